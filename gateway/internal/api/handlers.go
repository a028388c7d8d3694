package api

import (
	"math"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/account"
	"github.com/pgwilde8/ledgrapi/gateway/internal/analytics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/chain"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ledger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/proxy"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

// handleCall forwards a metered call to the API.
func (s *Server) handleCall(c *fiber.Ctx) error {
	authCtx := authFrom(c)

	var req types.InvokeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid request body", "")
		}
	}
	req.APIID = c.Params("id")
	if req.Path == "" {
		req.Path = "/"
	}

	caller := &proxy.Caller{
		ConsumerID: authCtx.ConsumerID,
		Tier:       authCtx.Tier,
		ClientIP:   c.IP(),
		UserAgent:  c.Get(fiber.HeaderUserAgent),
		Referer:    c.Get(fiber.HeaderReferer),
	}

	res, err := s.proxy.Invoke(c.UserContext(), caller, &req)
	if err != nil {
		return s.proxyError(c, err)
	}
	return c.JSON(res)
}

// handleUsage returns the caller's usage counter for an API.
func (s *Server) handleUsage(c *fiber.Ctx) error {
	usage, err := s.proxy.Usage(c.UserContext(), authFrom(c).ConsumerID, c.Params("id"))
	if err != nil {
		return s.proxyError(c, err)
	}
	return c.JSON(usage)
}

// handlePublish registers a new API owned by the caller.
func (s *Server) handlePublish(c *fiber.Ctx) error {
	authCtx := authFrom(c)

	var req types.PublishRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid request body", "")
	}

	api, err := s.catalog.Publish(c.UserContext(), authCtx.ConsumerID, authCtx.Tier, &req)
	if err != nil {
		return s.catalogError(c, err)
	}

	s.logger.Info("API registered",
		zap.String("api_id", api.ID),
		zap.String("consumer_id", authCtx.ConsumerID),
		zap.String("status", string(api.Status)))
	return c.Status(fiber.StatusCreated).JSON(api)
}

// handleListAPIs returns the public marketplace listing.
func (s *Server) handleListAPIs(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 20)

	apis, err := s.catalog.ListPublished(c.UserContext(), offset, limit, c.Query("tag"))
	if err != nil {
		return s.catalogError(c, err)
	}
	return c.JSON(fiber.Map{
		"apis":   apis,
		"offset": offset,
		"count":  len(apis),
	})
}

// handleListMine returns every API owned by the caller.
func (s *Server) handleListMine(c *fiber.Ctx) error {
	apis, err := s.catalog.ListByOwner(c.UserContext(), authFrom(c).ConsumerID)
	if err != nil {
		return s.catalogError(c, err)
	}
	return c.JSON(fiber.Map{"apis": apis})
}

// handleGetAPI returns one API. Private and unpublished APIs are only
// visible to their owner.
func (s *Server) handleGetAPI(c *fiber.Ctx) error {
	api, err := s.catalog.FindAPI(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.catalogError(c, err)
	}
	if api.OwnerID != authFrom(c).ConsumerID && (!api.IsPublic || !api.Callable()) {
		return s.fail(c, fiber.StatusNotFound, "NOT_FOUND", "api not found", "")
	}
	return c.JSON(api)
}

// handleSetStatus moves an API between draft, published and deprecated.
func (s *Server) handleSetStatus(c *fiber.Ctx) error {
	var req types.StatusRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid request body", "")
	}

	api, err := s.catalog.SetStatus(c.UserContext(), authFrom(c).ConsumerID, c.Params("id"), req.Status)
	if err != nil {
		return s.catalogError(c, err)
	}
	return c.JSON(api)
}

// handleDeactivate soft-deletes an API.
func (s *Server) handleDeactivate(c *fiber.Ctx) error {
	if err := s.catalog.Deactivate(c.UserContext(), authFrom(c).ConsumerID, c.Params("id")); err != nil {
		return s.catalogError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ownedAPI loads an API and checks the caller owns it.
func (s *Server) ownedAPI(c *fiber.Ctx) (*models.RegisteredAPI, error) {
	api, err := s.catalog.FindAPI(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, s.catalogError(c, err)
	}
	if api.OwnerID != authFrom(c).ConsumerID {
		return nil, s.fail(c, fiber.StatusForbidden, "FORBIDDEN", "only the owner can view this", "")
	}
	return api, nil
}

// handleCalls returns the audit log of an API to its owner.
func (s *Server) handleCalls(c *fiber.Ctx) error {
	api, err := s.ownedAPI(c)
	if api == nil {
		return err
	}

	filter := ledger.AuditFilter{
		APIID:      api.ID,
		ConsumerID: c.Query("consumer_id"),
		Limit:      c.QueryInt("limit", 50),
		Offset:     c.QueryInt("offset", 0),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "since must be RFC 3339", "")
		}
		filter.Since = t
	}

	records, err := s.ledger.ListAudit(c.UserContext(), filter)
	if err != nil {
		s.logger.Error("Failed to list calls", zap.String("api_id", api.ID), zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}
	return c.JSON(fiber.Map{
		"api_id": api.ID,
		"calls":  records,
	})
}

// handleDailyStats returns the daily rollup of an API to its owner.
// The range defaults to the last 30 days.
func (s *Server) handleDailyStats(c *fiber.Ctx) error {
	api, err := s.ownedAPI(c)
	if api == nil {
		return err
	}

	now := s.now().UTC()
	to := c.Query("to", now.Format(dayLayout))
	from := c.Query("from", now.AddDate(0, 0, -29).Format(dayLayout))

	days, err := s.analytics.DailyRange(c.UserContext(), api.ID, from, to)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidRange) {
			return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", err.Error(), "")
		}
		s.logger.Error("Failed to read daily stats", zap.String("api_id", api.ID), zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}
	return c.JSON(fiber.Map{
		"api_id": api.ID,
		"from":   from,
		"to":     to,
		"days":   days,
	})
}

// handleMe returns the caller's profile with its tier limits.
func (s *Server) handleMe(c *fiber.Ctx) error {
	authCtx := authFrom(c)

	consumer, err := s.accounts.GetByID(c.UserContext(), authCtx.ConsumerID)
	if err != nil {
		if errors.Is(err, account.ErrConsumerNotFound) {
			return s.fail(c, fiber.StatusNotFound, "NOT_FOUND", "consumer not found", "")
		}
		s.logger.Error("Failed to load consumer", zap.String("consumer_id", authCtx.ConsumerID), zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}

	return c.JSON(fiber.Map{
		"consumer": consumer,
		"limits":   tier.Lookup(consumer.Tier),
	})
}

// handleBillingUsage returns the caller's month-to-date totals.
func (s *Server) handleBillingUsage(c *fiber.Ctx) error {
	authCtx := authFrom(c)
	now := s.now().UTC()
	limits := tier.Lookup(authCtx.Tier)

	sum, err := s.ledger.Summary(c.UserContext(), authCtx.ConsumerID, ledger.Period(now))
	if err != nil {
		s.logger.Error("Failed to summarize usage", zap.String("consumer_id", authCtx.ConsumerID), zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}

	remaining := limits.MonthlyCalls - sum.Calls
	if remaining < 0 {
		remaining = 0
	}
	untilReset := ledger.NextPeriodStart(now).Sub(now)

	return c.JSON(fiber.Map{
		"period":           sum.Period,
		"tier":             limits.Name,
		"calls_used":       sum.Calls,
		"calls_included":   limits.MonthlyCalls,
		"calls_remaining":  remaining,
		"cost_this_month":  sum.Cost,
		"apis_used":        sum.APIs,
		"days_until_reset": int(math.Ceil(untilReset.Hours() / 24)),
	})
}

// handlePricing returns the tier table.
func (s *Server) handlePricing(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"tiers": tier.All()})
}

// handlePublicStats returns marketplace totals.
func (s *Server) handlePublicStats(c *fiber.Ctx) error {
	ctx := c.UserContext()

	counts, err := s.catalog.Count(ctx)
	if err != nil {
		return s.catalogError(c, err)
	}
	consumers, err := s.accounts.GetStats(ctx)
	if err != nil {
		s.logger.Error("Failed to count consumers", zap.Error(err))
		return s.fail(c, fiber.StatusInternalServerError, "INTERNAL", "internal error", "")
	}

	networks, err := s.chain.SupportedNetworks(ctx)
	if err != nil {
		// Stats stay available while the chain provider is down.
		s.logger.Warn("Failed to list networks", zap.Error(err))
		networks = []chain.Network{}
	}

	return c.JSON(fiber.Map{
		"published_apis":     counts.Published,
		"public_apis":        counts.Public,
		"active_consumers":   consumers.Active,
		"supported_networks": networks,
	})
}

// handleSendMessage relays a cross-chain message. Higher tiers only.
func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	authCtx := authFrom(c)
	if !chain.CanMessage(authCtx.Tier) {
		return s.fail(c, fiber.StatusForbidden, "TIER_REQUIRED",
			"cross-chain messaging requires the pro or enterprise tier", "")
	}

	var req chain.MessageRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, "BAD_REQUEST", "invalid request body", "")
	}

	msg, err := s.chain.SendMessage(c.UserContext(), &req)
	if err != nil {
		return s.chainError(c, err)
	}

	s.logger.Info("Cross-chain message sent",
		zap.String("consumer_id", authCtx.ConsumerID),
		zap.String("message_id", msg.ID),
		zap.String("from", msg.FromChain),
		zap.String("to", msg.ToChain))
	return c.Status(fiber.StatusAccepted).JSON(msg)
}

// handleMessageStatus returns a relayed message.
func (s *Server) handleMessageStatus(c *fiber.Ctx) error {
	msg, err := s.chain.MessageStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return s.chainError(c, err)
	}
	return c.JSON(msg)
}

// handleNetworks lists the networks messages can be relayed between.
func (s *Server) handleNetworks(c *fiber.Ctx) error {
	networks, err := s.chain.SupportedNetworks(c.UserContext())
	if err != nil {
		return s.chainError(c, err)
	}
	return c.JSON(fiber.Map{"networks": networks})
}

func (s *Server) chainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, chain.ErrInvalidMessage), errors.Is(err, chain.ErrUnsupportedNetwork):
		return s.fail(c, fiber.StatusBadRequest, "INVALID_MESSAGE", err.Error(), "")
	case errors.Is(err, chain.ErrMessageNotFound):
		return s.fail(c, fiber.StatusNotFound, "NOT_FOUND", "message not found", "")
	default:
		s.logger.Error("Chain messenger failed", zap.Error(err))
		return s.fail(c, fiber.StatusBadGateway, "CHAIN_UNAVAILABLE", "chain messenger unavailable", "")
	}
}
