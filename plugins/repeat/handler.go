package repeat

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"repeatbot/internal/eventbus"
	"repeatbot/internal/storage"
	"repeatbot/internal/transport"
	logx "repeatbot/pkg/logx"
)

// Candidate field paths probed in priority order; gateway deployments differ
// in where they put these, so several alternates are tried.
var (
	groupIDPaths = []string{
		"message_base_info.group_id",
		"group_id",
		"ctx.group_id",
		"context.group_id",
	}
	textPaths = []string{
		"processed_plain_text",
		"message_content",
		"content",
		"message_base_info.content",
		"raw_message",
		"text",
	}
)

var (
	// notice events are gateway chatter, not chat messages
	noticeRe = regexp.MustCompile(`"post_type"\s*:\s*"notice"`)
	// "@<name:123>" -> "@name", applied to the emitted echo only
	mentionRe = regexp.MustCompile(`@<([^:]+?):\d+>`)
)

// inline-media marker prefix (images, faces, ...); such messages never enter
// the window
const mediaPrefix = "[CQ:"

// Handler watches group messages for three-in-a-row repeats and, with
// configured probability, echoes the repeated text back into the group.
//
// State is owned by the handler instance: per-group windows, and one
// process-wide "last repeated" guard that stops the bot from echoing the same
// phrase in two back-to-back streaks.
type Handler struct {
	log    logx.Logger
	sender transport.Sender
	store  storage.Store // nil when storage disabled
	bus    eventbus.Bus

	// injectable for deterministic tests
	rng func() float64
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	groups *groups

	guardMu      sync.Mutex
	lastRepeated string
}

func newHandler(log logx.Logger, sender transport.Sender, store storage.Store, bus eventbus.Bus, rng func() float64) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		log:    log,
		sender: sender,
		store:  store,
		bus:    bus,
		rng:    rng,
		now:    time.Now,
		cfg:    defaultConfig(),
		groups: newGroups(),
	}
}

func (h *Handler) Name() string { return "repeat_handler" }

func (h *Handler) setConfig(cfg Config) {
	h.cfgMu.Lock()
	h.cfg = cfg
	h.cfgMu.Unlock()
}

func (h *Handler) config() Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg
}

// trace logs pipeline steps: at info when debug_mode is on, else at debug.
func (h *Handler) trace(cfg Config, msg string, fields ...logx.Field) {
	if cfg.DebugMode {
		h.log.Info(msg, fields...)
		return
	}
	h.log.Debug(msg, fields...)
}

// Handle runs one inbound record through the filter -> detector -> decision
// pipeline. Every branch returns the pass-through result: this handler never
// halts the host's dispatch chain and never rewrites the record.
func (h *Handler) Handle(ctx context.Context, rec transport.Record) transport.HandlerResult {
	cfg := h.config()

	if rec == nil {
		h.trace(cfg, "nil record")
		return transport.Pass()
	}

	groupID := firstPath(rec, groupIDPaths)
	if groupID == "" {
		h.trace(cfg, "no group id; skipping")
		return transport.Pass()
	}

	text := firstPath(rec, textPaths)
	if text == "" {
		h.trace(cfg, "empty text; skipping", logx.String("group", groupID))
		return transport.Pass()
	}

	if noticeRe.MatchString(text) {
		h.trace(cfg, "notice event; skipping", logx.String("group", groupID))
		return transport.Pass()
	}
	if strings.HasPrefix(text, mediaPrefix) {
		h.trace(cfg, "media message; skipping", logx.String("group", groupID))
		return transport.Pass()
	}

	// The bot's own messages never enter the window. Seeing our own echo come
	// back clears the guard so a future genuine streak of the same phrase can
	// be echoed again.
	if isSelf(rec) {
		h.clearGuard(text)
		h.trace(cfg, "own message; skipping", logx.String("group", groupID))
		return transport.Pass()
	}

	h.observe(ctx, cfg, groupID, text)
	return transport.Pass()
}

// observe is the detector + decision pipeline for one message.
//
// Order matters: the streak check runs against the window BEFORE the new text
// is appended, and the text is appended exactly once on every path (the
// skip-entirely branch appends early and bails; everything else appends at
// the end) so the window always reflects true message history.
func (h *Handler) observe(ctx context.Context, cfg Config, groupID, text string) {
	g := h.groups.get(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSeen = h.now()

	var reply string
	if g.streak(text) {
		// Skip gate first: an explicit "decided not to repeat", independent
		// of the repeat gate.
		if h.rng() <= cfg.SkipProbability {
			h.trace(cfg, "streak detected but skipped", logx.String("group", groupID))
			g.push(text)
			return
		}
		if h.rng() <= cfg.RepeatProbability {
			reply = text
		} else {
			h.trace(cfg, "streak detected but repeat gate failed", logx.String("group", groupID))
		}
	}

	if reply != "" {
		h.emit(ctx, cfg, groupID, reply)
	}

	g.push(text)
}

// emit sends the echo unless it equals the last echoed phrase. The guard
// compares and stores the raw text; mention cleanup applies to the outgoing
// copy only.
func (h *Handler) emit(ctx context.Context, cfg Config, groupID, text string) {
	h.guardMu.Lock()
	if text == h.lastRepeated {
		h.guardMu.Unlock()
		h.trace(cfg, "suppressed: same as last echo", logx.String("group", groupID))
		return
	}
	h.lastRepeated = text
	h.guardMu.Unlock()

	cleaned := mentionRe.ReplaceAllString(text, "@$1")

	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		h.log.Warn("non-numeric group id; echo dropped", logx.String("group", groupID))
		return
	}

	// Best-effort: a failed send is logged and forgotten.
	if err := h.sender.SendGroupMsg(ctx, gid, cleaned); err != nil {
		h.log.Error("failed to send echo", logx.String("group", groupID), logx.Err(err))
	} else {
		h.trace(cfg, "echoed", logx.String("group", groupID), logx.String("text", cleaned))
	}

	if h.store != nil {
		if err := h.store.AppendEcho(ctx, storage.EchoEntry{
			At:      h.now(),
			GroupID: groupID,
			Text:    text,
			Cleaned: cleaned,
		}); err != nil {
			h.log.Warn("echo audit write failed", logx.Err(err))
		}
	}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TypeEchoSent, Data: map[string]string{
			"group_id": groupID,
			"text":     cleaned,
		}})
	}
}

func (h *Handler) clearGuard(text string) {
	h.guardMu.Lock()
	if text == h.lastRepeated {
		h.lastRepeated = ""
	}
	h.guardMu.Unlock()
}

// pruneIdle drops windows for groups idle longer than ttl.
func (h *Handler) pruneIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	return h.groups.prune(h.now().Add(-ttl))
}

func firstPath(rec transport.Record, paths []string) string {
	vals := make([]any, 0, len(paths))
	for _, p := range paths {
		vals = append(vals, transport.Dig(rec, p, nil))
	}
	return transport.FirstText(vals...)
}

// isSelf reports whether the record is the bot's own message. Gateways mark
// these inconsistently: an is_self flag, a message_sent post type, or
// self_id == user_id.
func isSelf(rec transport.Record) bool {
	if v, ok := transport.Dig(rec, "is_self", nil).(bool); ok && v {
		return true
	}
	if pt := transport.FirstText(transport.Dig(rec, "post_type", nil)); pt == "message_sent" {
		return true
	}
	selfID := transport.FirstText(transport.Dig(rec, "self_id", nil))
	userID := transport.FirstText(
		transport.Dig(rec, "user_id", nil),
		transport.Dig(rec, "sender.user_id", nil),
	)
	return selfID != "" && selfID == userID
}
