package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/config"
	"github.com/walletmesh/coordinator/internal/logging"
	"github.com/walletmesh/coordinator/internal/signer"
	"github.com/walletmesh/coordinator/txcoord"
	"github.com/walletmesh/coordinator/types"
	"github.com/walletmesh/coordinator/walletconn"
)

// Server is the local status/control API: the approval UI reads pending work
// and triggers cancel/replace through it. It is not the pairing transport.
type Server struct {
	cfg       config.ServerConfig
	logger    *logrus.Logger
	repo      *txcoord.Repo
	submitter *txcoord.Submitter
	watcher   *txcoord.Watcher
	queue     *walletconn.Queue
	sessions  *walletconn.SessionStore
	pairing   *walletconn.Service
	echo      *echo.Echo
}

func NewServer(
	cfg config.ServerConfig,
	logger *logrus.Logger,
	repo *txcoord.Repo,
	submitter *txcoord.Submitter,
	watcher *txcoord.Watcher,
	queue *walletconn.Queue,
	sessions *walletconn.SessionStore,
	pairing *walletconn.Service,
) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger.WithField("pkg", "server").Logger,
		repo:      repo,
		submitter: submitter,
		watcher:   watcher,
		queue:     queue,
		sessions:  sessions,
		pairing:   pairing,
	}
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("2M"))
	e.Use(logging.LoggerMiddleware(s.logger))

	e.GET("/healthz", s.Healthz)

	e.POST("/transactions", s.SubmitTransaction)
	e.GET("/transactions/pending", s.GetPendingTransactions)
	e.GET("/transactions/:account/:id", s.GetTransaction)
	e.POST("/transactions/:id/cancel", s.CancelTransaction)
	e.POST("/transactions/:id/replace", s.ReplaceTransaction)

	e.GET("/requests/pending", s.GetPendingRequests)
	e.POST("/requests/:id/dismiss", s.DismissRequest)

	e.GET("/sessions", s.GetSessions)
	e.DELETE("/sessions/:id", s.RemoveSession)
	e.POST("/sessions/approve", s.ApproveSession)

	e.POST("/pairing/:session/requests", s.InboundPairingRequest)
	e.POST("/pairing/consent", s.MarkDelegationConsent)

	return e
}

func (s *Server) StartServer() error {
	s.echo = s.router()
	return s.echo.Start(fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
}

func (s *Server) Stop(ctx context.Context) error {
	if s.echo == nil {
		return nil
	}
	return s.echo.Shutdown(ctx)
}

func (s *Server) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type submitBody struct {
	Account types.Account   `json:"account"`
	Request types.TxRequest `json:"request"`
}

func (s *Server) SubmitTransaction(c echo.Context) error {
	var body submitBody
	err := c.Bind(&body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}

	rec, err := s.submitter.Submit(c.Request().Context(), body.Account, body.Request)
	if err != nil {
		return s.submitError(c, err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) submitError(c echo.Context, err error) error {
	var sigErr *txcoord.SigningError
	var bcErr *txcoord.BroadcastError
	switch {
	case errors.Is(err, signer.ErrUserRejected):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user rejected"})
	case errors.As(err, &sigErr), errors.Is(err, txcoord.ErrNoChainClient), errors.Is(err, types.ErrInvalidQuantity):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.As(err, &bcErr):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		s.logger.Errorf("submit failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) GetPendingTransactions(c echo.Context) error {
	recs, err := s.repo.Incomplete(c.Request().Context())
	if err != nil {
		s.logger.Errorf("failed to list incomplete transactions: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if recs == nil {
		recs = []types.SubmissionRecord{}
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) GetTransaction(c echo.Context) error {
	rec, err := s.repo.Get(c.Request().Context(), c.Param("account"), c.Param("id"))
	if errors.Is(err, txcoord.ErrNoRecord) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction not found"})
	}
	if err != nil {
		s.logger.Errorf("failed to load transaction: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) CancelTransaction(c echo.Context) error {
	var body txcoord.CancelRequest
	err := c.Bind(&body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}

	err = s.watcher.RequestCancellation(c.Param("id"), body)
	if errors.Is(err, txcoord.ErrNotWatching) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction is not in flight"})
	}
	if err != nil {
		s.logger.Errorf("failed to request cancellation: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) ReplaceTransaction(c echo.Context) error {
	var body types.TxRequest
	err := c.Bind(&body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}

	err = s.watcher.RequestReplacement(c.Param("id"), body)
	if errors.Is(err, txcoord.ErrNotWatching) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "transaction is not in flight"})
	}
	if err != nil {
		s.logger.Errorf("failed to request replacement: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.NoContent(http.StatusAccepted)
}

type pendingRequestView struct {
	Type    types.RequestType    `json:"type"`
	Request types.SigningRequest `json:"request"`
}

func (s *Server) GetPendingRequests(c echo.Context) error {
	pending := s.queue.Pending()
	out := make([]pendingRequestView, 0, len(pending))
	for _, req := range pending {
		out = append(out, pendingRequestView{Type: req.Type(), Request: req})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) DismissRequest(c echo.Context) error {
	account := c.QueryParam("account")
	if account == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "account query param is required"})
	}
	// dismissal is idempotent; a double-dismiss still returns 204
	s.queue.Dequeue(c.Request().Context(), c.Param("id"), account)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) GetSessions(c echo.Context) error {
	sessions := s.sessions.List()
	if sessions == nil {
		sessions = []types.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) RemoveSession(c echo.Context) error {
	s.sessions.Remove(c.Request().Context(), c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) ApproveSession(c echo.Context) error {
	sess, err := s.sessions.Approve(c.Request().Context())
	if errors.Is(err, walletconn.ErrNoSession) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending pairing"})
	}
	if err != nil {
		s.logger.Errorf("failed to approve pairing: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, sess)
}

type inboundPairingBody struct {
	ChainID uint64                    `json:"chain_id"`
	Request walletconn.InboundRequest `json:"request"`
}

// InboundPairingRequest bridges a relay-delivered JSON-RPC call into the
// pairing service. The protocol response travels back over the relay
// transport, not this HTTP response.
func (s *Server) InboundPairingRequest(c echo.Context) error {
	var body inboundPairingBody
	err := c.Bind(&body)
	if err != nil || body.Request.Method == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}
	s.pairing.HandleRequest(c.Request().Context(), c.Param("session"), body.ChainID, body.Request)
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) MarkDelegationConsent(c echo.Context) error {
	var body struct {
		Account string `json:"account"`
	}
	err := c.Bind(&body)
	if err != nil || body.Account == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "account is required"})
	}
	s.pairing.MarkDelegationConsent(body.Account)
	return c.NoContent(http.StatusNoContent)
}
