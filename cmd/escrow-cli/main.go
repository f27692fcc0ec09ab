package main

import (
	"fmt"
	"os"

	"escrowd/crypto"
	"escrowd/native/escrow"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "generate-key":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: provide a keystore file path.")
			printUsage()
			os.Exit(1)
		}
		generateKey(args[1])
	case "show-address":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: provide a keystore file path.")
			printUsage()
			os.Exit(1)
		}
		showAddress(args[1])
	case "vault-address":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: provide a buyer address.")
			printUsage()
			os.Exit(1)
		}
		tag := escrow.DefaultDomainTag
		if len(args) >= 3 {
			tag = args[2]
		}
		vaultAddress(args[1], tag)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage:
  escrow-cli generate-key <keystore-file>        Generate a principal key (passphrase via ESCROW_KEY_PASS)
  escrow-cli show-address <keystore-file>        Print the principal address of a key
  escrow-cli vault-address <buyer-address> [tag] Derive the escrow vault address for a buyer`)
}

func passphrase() string {
	return os.Getenv("ESCROW_KEY_PASS")
}

func generateKey(path string) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(path, key, passphrase()); err != nil {
		fmt.Fprintf(os.Stderr, "save keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("address: %s\n", key.PubKey().Address())
	fmt.Printf("keystore: %s\n", path)
}

func showAddress(path string) {
	key, err := crypto.LoadFromKeystore(path, passphrase())
	if err != nil {
		fmt.Fprintf(os.Stderr, "load keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key.PubKey().Address())
}

func vaultAddress(buyerStr, tag string) {
	buyer, err := crypto.DecodeAddress(buyerStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode address: %v\n", err)
		os.Exit(1)
	}
	addr, salt, err := escrow.DeriveAddress(tag, buyer.Fixed())
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive vault address: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("vault: %s\n", crypto.NewAddress(addr[:]))
	fmt.Printf("salt:  %d\n", salt)
}
