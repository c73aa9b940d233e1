package channels

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kitehq/kite/internal/common/apperr"
	"github.com/kitehq/kite/internal/common/logger"
	"github.com/kitehq/kite/internal/session"
	v1 "github.com/kitehq/kite/pkg/api/v1"
	"github.com/kitehq/kite/pkg/ws"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 4 << 20

// Dispatcher routes inbound channel webhooks to session holders: verify the
// signature, parse the update, resolve the sender to an internal user,
// derive the scope key, and enqueue the prompt on the bound session
// (creating the binding and session on first contact).
type Dispatcher struct {
	registry *Registry
	store    *Store
	sessions *session.Registry
	routing  map[string]Routing // per-channel-type platform credentials
	log      *logger.Logger
}

// NewDispatcher creates the inbound dispatcher.
func NewDispatcher(registry *Registry, store *Store, sessions *session.Registry, routing map[string]Routing, log *logger.Logger) *Dispatcher {
	if routing == nil {
		routing = make(map[string]Routing)
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		sessions: sessions,
		routing:  routing,
		log:      log.WithFields(zap.String("component", "channel_dispatcher")),
	}
}

// RegisterRoutes mounts the webhook intake under the given group.
func (d *Dispatcher) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/channels/:type", d.handleInbound)
	rg.GET("/channels/:type", d.handleInbound) // some providers probe with GET
}

func (d *Dispatcher) handleInbound(c *gin.Context) {
	channelType := c.Param("type")
	adapter, ok := d.registry.Get(channelType)
	if !ok {
		apperr.WriteJSON(c, apperr.NotFound("unknown channel type %s", channelType))
		return
	}
	routing := d.routing[channelType]

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		apperr.WriteJSON(c, apperr.Validation("failed to read webhook body: %v", err))
		return
	}

	if !adapter.VerifySignature(c.Request.Header, body, routing.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	if responder, ok := adapter.(ChallengeResponder); ok {
		if challenge, ok := responder.Challenge(body); ok {
			c.String(http.StatusOK, challenge)
			return
		}
	}

	msg, err := adapter.ParseInbound(c.Request.Header, body, routing)
	if err != nil {
		apperr.WriteJSON(c, apperr.Validation("failed to parse update: %v", err))
		return
	}
	if msg == nil {
		// Unsupported update kinds are acknowledged, not errored, so the
		// provider does not retry them.
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}

	ctx := c.Request.Context()
	userID, err := d.store.ResolveIdentity(ctx, channelType, msg.SenderID, routing.TeamID)
	if err != nil {
		d.log.Info("Inbound message from unlinked identity",
			zap.String("channel_type", channelType),
			zap.String("sender_id", msg.SenderID))
		c.JSON(http.StatusOK, gin.H{"ignored": true, "reason": "unlinked identity"})
		return
	}

	binding, holder, err := d.bindingFor(ctx, adapter, msg, userID, routing)
	if err != nil {
		apperr.WriteJSON(c, err)
		return
	}

	holder.SubmitPrompt(session.QueuedPrompt{
		Content:       msg.Text,
		QueueMode:     ws.QueueCollect,
		ScopeKey:      binding.ScopeKey,
		ChannelType:   msg.ChannelType,
		ChannelID:     msg.ChannelID,
		Attachments:   msg.Attachments,
		Author:        &v1.Author{ID: userID, Name: msg.SenderName},
		CollectWindow: time.Duration(binding.CollectDebounce) * time.Millisecond,
	})

	// Typing feedback is best effort.
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := adapter.SendTypingIndicator(tctx, binding.Routing, msg.ChannelID); err != nil {
			d.log.Debug("Typing indicator failed", zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "session_id": binding.SessionID})
}

// bindingFor resolves (or creates) the binding and its holder.
func (d *Dispatcher) bindingFor(ctx context.Context, adapter Adapter, msg *InboundMessage, userID string, routing Routing) (Binding, *session.Holder, error) {
	key := adapter.ScopeKeyParts(msg, userID)

	binding, err := d.store.GetBinding(ctx, key)
	if apperr.Is(err, apperr.KindNotFound) {
		sess, _, cErr := d.sessions.CreateSession(ctx, v1.Session{
			UserID: userID,
			Title:  msg.ChannelType + " " + msg.ChannelID,
		})
		if cErr != nil {
			return Binding{}, nil, cErr
		}
		binding = Binding{
			ScopeKey:    string(key),
			SessionID:   sess.ID,
			UserID:      userID,
			ChannelType: msg.ChannelType,
			ChannelID:   msg.ChannelID,
			Routing:     routing,
		}
		if sErr := d.store.SaveBinding(ctx, binding); sErr != nil {
			return Binding{}, nil, sErr
		}
	} else if err != nil {
		return Binding{}, nil, err
	}

	holder, err := d.sessions.Get(ctx, binding.SessionID)
	if err != nil {
		return Binding{}, nil, err
	}
	return binding, holder, nil
}

// Deliver formats and sends markdown out through the bound channel.
func (d *Dispatcher) Deliver(ctx context.Context, channelType, channelID, markdown string) error {
	adapter, ok := d.registry.Get(channelType)
	if !ok {
		return apperr.NotFound("unknown channel type %s", channelType)
	}
	routing := d.routing[channelType]
	_, err := adapter.SendMessage(ctx, routing, channelID, markdown)
	return err
}
