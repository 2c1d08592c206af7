package vasphttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/business"
	"github.com/raymondfx/reference-wallet/channel"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
	"github.com/raymondfx/reference-wallet/vasp"
)

// PaymentRequest asks the VASP to initiate a payment.
type PaymentRequest struct {
	// Sender is the address of the sending account, held by the VASP.
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Amount      uint64 `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`
	// ReferenceID is generated when empty.
	ReferenceID string `json:"reference_id,omitempty"`
}

type PaymentResponse struct {
	ReferenceID string         `json:"reference_id"`
	Payment     payment.Object `json:"payment"`
}

type PaymentsResponse struct {
	ReferenceIDs []string `json:"reference_ids"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// PaymentEndpoints registers the endpoints clients of the VASP initiate and
// look up payments with.
func PaymentEndpoints(v VASP, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		s := r.PathPrefix("/v1/payments").Subrouter()
		s.Use(cors.Default().Handler, func(h http.Handler) http.Handler {
			return gzhttp.GzipHandler(h)
		})
		s.HandleFunc("", createPayment(v, log)).Methods(http.MethodPost)
		s.HandleFunc("", listPayments(v, log)).Methods(http.MethodGet)
		s.HandleFunc("/{ref}", getPayment(v, log)).Methods(http.MethodGet)
	}
}

// MetricsEndpoint registers the endpoint serving the metrics of the gatherer.
func MetricsEndpoint(g prometheus.Gatherer) RegistrarFunc {
	return func(r *mux.Router) {
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func createPayment(v VASP, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req PaymentRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		p, peer, err := newPayment(v.Address(), req)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}

		_, err = v.NewCommand(r.Context(), peer, p).Result(r.Context())
		if err != nil {
			writeError(w, log, paymentErrorStatus(err), err)
			return
		}
		stored, err := v.GetPaymentByRef(p.ReferenceID)
		if err != nil {
			writeError(w, log, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, log, http.StatusCreated, PaymentResponse{ReferenceID: p.ReferenceID, Payment: stored})
	}
}

// newPayment returns the payment the request asks for and the VASP of its
// receiver.
func newPayment(self address.Address, req PaymentRequest) (payment.Object, address.Address, error) {
	sender, err := address.Parse(req.Sender)
	if err != nil {
		return payment.Object{}, address.Address{}, err
	}
	if !sender.SameVASP(self) {
		return payment.Object{}, address.Address{}, errors.New("sender account not held by this vasp")
	}
	receiver, err := address.Parse(req.Receiver)
	if err != nil {
		return payment.Object{}, address.Address{}, err
	}
	p := payment.Object{
		Sender:      payment.NewActor(sender, payment.StatusNone),
		Receiver:    payment.NewActor(receiver, payment.StatusNone),
		ReferenceID: req.ReferenceID,
		Description: req.Description,
		Action:      payment.NewAction(req.Amount, req.Currency),
	}
	if p.ReferenceID == "" {
		p.ReferenceID = payment.NewReferenceID(self)
	}
	if err := p.Validate(); err != nil {
		return payment.Object{}, address.Address{}, err
	}
	return p, receiver.Onchain(), nil
}

func paymentErrorStatus(err error) int {
	switch {
	case errors.Is(err, payment.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, business.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, vasp.ErrExists):
		return http.StatusConflict
	case errors.Is(err, vasp.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, channel.ErrRetriesExhausted), msg.CodeOf(err) != "":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func listPayments(v VASP, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refs, err := v.ReferenceIDs()
		if err != nil {
			writeError(w, log, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, log, http.StatusOK, PaymentsResponse{ReferenceIDs: refs})
	}
}

func getPayment(v VASP, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := mux.Vars(r)["ref"]
		p, err := v.GetPaymentByRef(ref)
		switch {
		case errors.Is(err, vasp.ErrNotFound):
			writeError(w, log, http.StatusNotFound, err)
		case err != nil:
			writeError(w, log, http.StatusInternalServerError, err)
		default:
			writeJSON(w, log, http.StatusOK, PaymentResponse{ReferenceID: ref, Payment: p})
		}
	}
}

func writeError(w http.ResponseWriter, log *slog.Logger, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Warn("payment request failed", logger.Error(err))
	}
	writeJSON(w, log, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set(headerContentType, applicationJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("writing response", logger.Error(err))
	}
}
