// Package vasphttp serves a VASP over HTTP and delivers commands to its peers
// over HTTP.
//
// Peers deliver commands to
//
//	POST /v1/{sender}/{receiver}/command
//
// where sender is the VASP delivering the command and receiver the VASP
// serving it. Clients of the VASP initiate and look up payments under
// /v1/payments, and metrics are served at /metrics.
package vasphttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/raymondfx/reference-wallet/address"
	"github.com/raymondfx/reference-wallet/logger"
	"github.com/raymondfx/reference-wallet/msg"
	"github.com/raymondfx/reference-wallet/payment"
	"github.com/raymondfx/reference-wallet/vasp"
)

const (
	headerContentType = "Content-Type"
	applicationJSON   = "application/json"

	// DefaultMaxBodySize bounds the size of request bodies.
	DefaultMaxBodySize = 1 << 20
)

type (
	// Registrar registers HTTP handlers on a router.
	Registrar interface {
		Register(r *mux.Router)
	}

	// RegistrarFunc adapts an ordinary function to a Registrar.
	RegistrarFunc func(r *mux.Router)
)

func (f RegistrarFunc) Register(r *mux.Router) {
	f(r)
}

// VASP is what the handlers serve.
type VASP interface {
	Address() address.Address
	HandleCommand(ctx context.Context, peer address.Address, cmd msg.Command) error
	NewCommand(ctx context.Context, peer address.Address, p payment.Object) *vasp.Future
	GetPaymentByRef(referenceID string) (payment.Object, error)
	ReferenceIDs() ([]string, error)
}

var _ VASP = (*vasp.Core)(nil)

// NewHandler returns a handler serving the endpoints of the registrars.
func NewHandler(maxBodySize int64, log *slog.Logger, registrars ...Registrar) http.Handler {
	if log == nil {
		log = logger.Discard()
	}
	if maxBodySize <= 0 {
		maxBodySize = DefaultMaxBodySize
	}
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	for _, registrar := range registrars {
		registrar.Register(r)
	}
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))
	return recovery(http.MaxBytesHandler(r, maxBodySize))
}

// NewServer returns a server listening on addr for the endpoints of the
// registrars.
func NewServer(addr string, maxBodySize int64, log *slog.Logger, registrars ...Registrar) *http.Server {
	return &http.Server{
		Addr:              addr,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           NewHandler(maxBodySize, log, registrars...),
	}
}

type recoveryLogger struct {
	log *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.log.Error("handler panicked", logger.Data(fmt.Sprint(v...)))
}
