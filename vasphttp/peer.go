package vasphttp

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
)

// PeerEndpoints registers the endpoint peers deliver commands to. Commands of
// a peer beyond its limiter's rate are refused with a retryable error.
func PeerEndpoints(v VASP, limiter *PeerLimiter, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/v1/{sender}/{receiver}/command", handleCommand(v, limiter, log)).Methods(http.MethodPost)
	}
}

func handleCommand(v VASP, limiter *PeerLimiter, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		vars := mux.Vars(r)
		sender, err := address.Parse(vars["sender"])
		if err != nil {
			writeResponse(w, log, msg.NewError(msg.CodeMalformed, "sender: %v", err))
			return
		}
		receiver, err := address.Parse(vars["receiver"])
		if err != nil {
			writeResponse(w, log, msg.NewError(msg.CodeMalformed, "receiver: %v", err))
			return
		}
		if !receiver.SameVASP(v.Address()) {
			writeResponse(w, log, msg.NewError(msg.CodeMalformed, "command for %s delivered to %s", receiver.OnchainString(), v.Address().OnchainString()))
			return
		}
		if !limiter.Allow(sender.OnchainString(), time.Now()) {
			writeResponse(w, log, msg.NewError(msg.CodeClosed, "too many commands from %s", sender.OnchainString()))
			return
		}

		var cmd msg.Command
		if err := msg.NewDecoder(r.Body).Decode(&cmd); err != nil {
			writeResponse(w, log, msg.NewError(msg.CodeMalformed, "decoding command: %v", err))
			return
		}
		writeResponse(w, log, v.HandleCommand(r.Context(), sender, cmd))
	}
}

// writeResponse writes the response to a command rejected with err, or
// accepted if err is nil.
func writeResponse(w http.ResponseWriter, log *slog.Logger, err error) {
	resp := msg.Success()
	status := http.StatusOK
	if err != nil {
		var mErr *msg.Error
		if !errors.As(err, &mErr) {
			mErr = msg.NewError(msg.CodeValidationFailure, "%v", err)
		}
		resp = msg.Failure(mErr)
		status = http.StatusBadRequest
		if mErr.Retryable {
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set(headerContentType, applicationJSON)
	w.WriteHeader(status)
	if err := msg.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("writing command response", logger.Error(err))
	}
}
