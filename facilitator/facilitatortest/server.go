// Package facilitatortest provides an in-process facilitator for tests.
package facilitatortest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// Server is a fake facilitator speaking the /verify, /settle and /supported
// wire format. By default every proof is valid and every settlement succeeds
// with a fresh transaction hash.
type Server struct {
	*httptest.Server

	// VerifyFunc overrides the /verify decision when set.
	VerifyFunc func(req *x402.FacilitatorRequest) (*x402.VerifyResponse, int)

	// SettleFunc overrides the /settle decision when set.
	SettleFunc func(req *x402.FacilitatorRequest) (*x402.SettleResponse, int)

	// Kinds is served from /supported.
	Kinds []x402.SupportedKind

	verifyCalls atomic.Int64
	settleCalls atomic.Int64
	txCounter   atomic.Uint64

	mu       sync.Mutex
	verified []x402.FacilitatorRequest
	settled  []x402.FacilitatorRequest
}

// NewServer starts a fake facilitator. Close it when done.
func NewServer() *Server {
	s := &Server{
		Kinds: []x402.SupportedKind{
			{X402Version: x402.ProtocolVersion, Scheme: "exact", Network: "eip155:84532"},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/settle", s.handleSettle)
	mux.HandleFunc("/supported", s.handleSupported)
	s.Server = httptest.NewServer(mux)
	return s
}

// VerifyCalls returns the number of /verify requests served.
func (s *Server) VerifyCalls() int { return int(s.verifyCalls.Load()) }

// SettleCalls returns the number of /settle requests served.
func (s *Server) SettleCalls() int { return int(s.settleCalls.Load()) }

// VerifyRequests returns copies of the decoded /verify bodies.
func (s *Server) VerifyRequests() []x402.FacilitatorRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]x402.FacilitatorRequest(nil), s.verified...)
}

// SettleRequests returns copies of the decoded /settle bodies.
func (s *Server) SettleRequests() []x402.FacilitatorRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]x402.FacilitatorRequest(nil), s.settled...)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	s.verifyCalls.Add(1)
	s.mu.Lock()
	s.verified = append(s.verified, *req)
	s.mu.Unlock()

	if s.VerifyFunc != nil {
		resp, status := s.VerifyFunc(req)
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, &x402.VerifyResponse{IsValid: true, Payer: payerOf(req)})
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	s.settleCalls.Add(1)
	s.mu.Lock()
	s.settled = append(s.settled, *req)
	s.mu.Unlock()

	if s.SettleFunc != nil {
		resp, status := s.SettleFunc(req)
		writeJSON(w, status, resp)
		return
	}

	network := ""
	if req.PaymentRequirements != nil {
		network = req.PaymentRequirements.Network
	}
	writeJSON(w, http.StatusOK, &x402.SettleResponse{
		Success:     true,
		Payer:       payerOf(req),
		Transaction: fmt.Sprintf("0x%064x", s.txCounter.Add(1)),
		Network:     network,
	})
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &x402.SupportedResponse{Kinds: s.Kinds})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*x402.FacilitatorRequest, bool) {
	var req x402.FacilitatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

// payerOf reads authorization.from from an exact EVM payload, if present.
func payerOf(req *x402.FacilitatorRequest) string {
	if req.PaymentPayload == nil {
		return ""
	}
	var body struct {
		Authorization struct {
			From string `json:"from"`
		} `json:"authorization"`
	}
	if err := json.Unmarshal(req.PaymentPayload.Payload, &body); err != nil {
		return ""
	}
	return body.Authorization.From
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
