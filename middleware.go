package x402

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It detects V2 headers (PAYMENT-SIGNATURE) first and falls back to V1 (X-PAYMENT).
//
// The protected handler runs only after the proof verifies. Its response is
// buffered; settlement happens only if the status is below the server's error
// threshold, and the handler's status and body are passed through unchanged
// either way.
//
// Protected handlers are fully buffered in memory: the ResponseWriter they get
// does not implement http.Flusher, so they cannot stream, and nothing reaches
// the client until the handler returns. Keep protected responses bounded.
func PaymentMiddleware(cfg Config, server *ResourceServer) func(http.Handler) http.Handler {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	if server == nil {
		panic("invalid x402 middleware configuration: resource server is required")
	}

	routes, err := cfg.PrepareRoutes()
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			pattern, requiresPayment := cfg.MatchEndpoint(r.URL.Path)
			if !requiresPayment {
				next.ServeHTTP(w, r)
				return
			}
			route := routes[pattern]

			// Detect protocol version from headers.
			// V2: PAYMENT-SIGNATURE, V1 fallback: X-PAYMENT
			paymentHeader := r.Header.Get(HeaderPaymentSignature)
			isV2 := true
			if paymentHeader == "" {
				paymentHeader = r.Header.Get(HeaderLegacyPayment)
				isV2 = false
			}

			var payload *PaymentPayload
			if paymentHeader != "" {
				var err error
				if isV2 {
					payload, err = DecodePaymentPayload(paymentHeader)
				} else {
					payload, err = DecodeLegacyPayment(paymentHeader)
				}
				if err != nil {
					sendError(w, http.StatusBadRequest, ErrCodeInvalidPayment, fmt.Sprintf("Invalid payment header: %v", err), nil)
					return
				}
			}

			controller := server.NewController(route.Accepts)
			if err := controller.Verify(ctx, payload); err != nil {
				switch {
				case errors.Is(err, ErrMissingProof):
					sendPaymentRequired(w, r, route, &cfg, "")
				case errors.Is(err, ErrUnsupportedScheme):
					sendError(w, http.StatusBadRequest, ErrCodeUnsupportedScheme, err.Error(), map[string]string{
						"scheme":  payload.Scheme(),
						"network": payload.Network(),
					})
				case controller.RejectionReason() == ReasonCanceled:
					// Client went away before verification finished.
					sendError(w, http.StatusRequestTimeout, ErrCodeRequestCanceled, "request canceled during payment verification", nil)
				default:
					sendPaymentRequired(w, r, route, &cfg, controller.RejectionReason())
				}
				return
			}

			payment, err := controller.BeginHandler()
			if err != nil {
				sendError(w, http.StatusInternalServerError, ErrCodeInvalidState, err.Error(), nil)
				return
			}

			buffered := newBufferedResponseWriter()
			next.ServeHTTP(buffered, r.WithContext(WithPayment(ctx, payment, controller.Outcome())))

			result := controller.CompleteStatus(ctx, buffered.Status())
			if result != nil {
				responseHeader := HeaderPaymentResponse
				if !isV2 {
					responseHeader = HeaderLegacyPaymentResponse
				}
				if encoded, ok := EncodeSettlementHeader(result, cfg.MaxPaymentResponseBytes); ok {
					buffered.Header().Set(responseHeader, encoded)
				} else {
					log.Warnw("settlement evidence exceeds header limit, omitted", "request", controller.Outcome().RequestID, "transaction", result.Transaction)
				}
			}

			if err := buffered.flushTo(w); err != nil {
				log.Debugw("failed to write protected response", "request", controller.Outcome().RequestID, "err", err)
			}
		})
	}
}

// sendPaymentRequired sends a 402 Payment Required response with V2 format.
func sendPaymentRequired(w http.ResponseWriter, r *http.Request, route *PreparedRoute, cfg *Config, reason string) {
	if cfg.PaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(cfg.PaywallHTML))
		return
	}

	response := PaymentRequiredResponse{
		X402Version: ProtocolVersion,
		Error:       "Payment required",
		Resource: &ResourceInfo{
			URL:         resourceURL(r, route),
			Description: route.Config.Description,
			MimeType:    route.Config.MimeType,
		},
		Accepts: route.AcceptsCopy(),
	}
	if reason != "" {
		response.Error = reason
	}
	if route.Config.Discovery != nil {
		response.Extensions = map[string]interface{}{
			"bazaar": route.Config.Discovery.Extension(),
		}
	}

	// Set PAYMENT-REQUIRED header with base64-encoded requirements.
	if encoded, err := EncodePaymentRequired(&response); err == nil {
		w.Header().Set(HeaderPaymentRequired, encoded)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	body := map[string]interface{}{
		"error": message,
		"code":  code,
	}
	for k, v := range details {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func resourceURL(r *http.Request, route *PreparedRoute) string {
	if route.Config.Resource != "" {
		return route.Config.Resource
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func isBrowserRequest(r *http.Request) bool {
	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		return false
	}

	userAgent := r.Header.Get("User-Agent")
	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
