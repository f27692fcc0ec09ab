package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/core/types"
	"escrowd/crypto"
	"escrowd/native/escrow"
)

// Custodian is the slice of the custody node the gateway drives.
type Custodian interface {
	CreateEscrow(caller, seller [20]byte, amount uint64) (*escrow.Escrow, error)
	ReleaseFunds(addr, seller, caller [20]byte) error
	RefundEscrow(addr, caller [20]byte) error
	CancelEscrow(addr, caller [20]byte) error
	EscrowByAddress(addr [20]byte) (*escrow.Escrow, error)
	GetAccount(addr []byte) (*types.Account, error)
}

// Server is the HTTP front-end for custody operations. Every mutating route
// authenticates the API key, resolves it to a principal address and passes
// that address to the engine as the verified caller.
type Server struct {
	router        chi.Router
	authenticator *Authenticator
	custodian     Custodian
	logger        *slog.Logger
}

func NewServer(auth *Authenticator, custodian Custodian, logger *slog.Logger) *Server {
	if auth == nil {
		panic("authenticator required")
	}
	if custodian == nil {
		panic("custodian required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		authenticator: auth,
		custodian:     custodian,
		logger:        logger,
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/escrow/create", s.handleCreate)
	r.Get("/escrow/{address}", s.handleGet)
	r.Post("/escrow/{address}/release", s.handleRelease)
	r.Post("/escrow/{address}/refund", s.handleRefund)
	r.Post("/escrow/{address}/cancel", s.handleCancel)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type createRequest struct {
	Seller string `json:"seller"`
	Amount uint64 `json:"amount"`
}

type releaseRequest struct {
	Seller string `json:"seller"`
}

type escrowResponse struct {
	Address string `json:"address"`
	Buyer   string `json:"buyer"`
	Seller  string `json:"seller"`
	Amount  uint64 `json:"amount"`
	Status  string `json:"status"`
}

func escrowToResponse(esc *escrow.Escrow) escrowResponse {
	return escrowResponse{
		Address: crypto.NewAddress(esc.Address[:]).String(),
		Buyer:   crypto.NewAddress(esc.Buyer[:]).String(),
		Seller:  crypto.NewAddress(esc.Seller[:]).String(),
		Amount:  esc.Amount,
		Status:  esc.Status.String(),
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	seller, err := crypto.DecodeAddress(req.Seller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	esc, err := s.custodian.CreateEscrow(principal.Address, seller.Fixed(), req.Amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, escrowToResponse(esc))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	esc, err := s.custodian.EscrowByAddress(addr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowToResponse(esc))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	body, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("malformed request body"))
		return
	}
	seller, err := crypto.DecodeAddress(req.Seller)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.custodian.ReleaseFunds(addr, seller.Fixed(), principal.Address); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeStatus(w, addr)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	if err := s.custodian.RefundEscrow(addr, principal.Address); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeStatus(w, addr)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, principal, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	if err := s.custodian.CancelEscrow(addr, principal.Address); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeStatus(w, addr)
}

// writeStatus responds with the current record after a successful transition.
func (s *Server) writeStatus(w http.ResponseWriter, addr [20]byte) {
	esc, err := s.custodian.EscrowByAddress(addr)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, escrowToResponse(esc))
}

func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) ([]byte, *Principal, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, nil, false
	}
	principal, err := s.authenticator.Authenticate(r, body)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return nil, nil, false
	}
	return body, principal, true
}

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	decoded, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return [20]byte{}, false
	}
	return decoded.Fixed(), true
}

// writeDomainError maps the closed error taxonomy onto HTTP statuses. Address
// integrity failures mean the stored record cannot be trusted and surface as a
// server-side failure rather than a user error.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrInvalidAmount):
		s.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, escrow.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, escrow.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, escrow.ErrInvalidSeller):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, escrow.ErrInsufficientFunds):
		s.writeError(w, http.StatusUnprocessableEntity, err)
	case escrow.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, escrow.ErrInvalidAddress):
		s.logger.Error("escrow record failed address verification", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("record integrity failure"))
	default:
		s.logger.Error("custody operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
