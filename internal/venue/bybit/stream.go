package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbpair/zengine/internal/logging"
	"github.com/arbpair/zengine/internal/metrics"
)

// Tick is one price update from the stream: either a trade or a
// best-quote, whichever the venue emits. The monitor treats whichever
// arrives as the latest price and requires only one of the two.
type Tick struct {
	Coin  string
	Price float64
	Bid   float64
	Ask   float64
	Ts    time.Time
}

// StreamConfig controls the reconnect policy: exponential backoff from
// InitialBackoff to MaxBackoff, up to MaxRetries consecutive failures
// (0 = infinite), falling back to REST polling at RestFallbackInterval
// while disconnected.
type StreamConfig struct {
	URL                  string
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxRetries           int
	RestFallbackInterval time.Duration
}

func DefaultStreamConfig(url string) StreamConfig {
	return StreamConfig{
		URL:                  url,
		InitialBackoff:       1 * time.Second,
		MaxBackoff:           30 * time.Second,
		MaxRetries:           10,
		RestFallbackInterval: 5 * time.Second,
	}
}

// Stream is a reconnecting subscriber to Bybit's public linear ticker
// feed. Adapted from Klingon-tech-klingdex's WSHub/WSClient: that hub
// broadcasts server-accepted connections out to browser clients: here
// there is exactly one outbound connection, to the exchange, and
// Ticks is the broadcast channel every caller reads from instead of a
// per-client subscriber set.
type Stream struct {
	cfg    StreamConfig
	rest   *Client
	coins  []string
	ticks  chan Tick
	log    *logging.Logger
}

// NewStream builds a Stream. rest is used for the polling fallback
// while disconnected; coins are Bybit linear symbols (e.g. "BTCUSDT").
func NewStream(cfg StreamConfig, rest *Client, coins []string) *Stream {
	return &Stream{
		cfg:   cfg,
		rest:  rest,
		coins: coins,
		ticks: make(chan Tick, 256),
		log:   logging.Default().Component("bybit-stream"),
	}
}

// Ticks returns the channel Tick values arrive on. Closed when Run
// returns.
func (s *Stream) Ticks() <-chan Tick { return s.ticks }

// Run connects and reconnects until ctx is cancelled, applying the
// configured exponential-backoff policy between attempts and falling
// back to REST polling while disconnected.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.ticks)

	backoff := s.cfg.InitialBackoff
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.connectOnce(ctx)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts++
		metrics.WSReconnects.WithLabelValues("bybit").Inc()
		s.log.Warn("bybit stream disconnected", "error", err, "attempt", attempts, "backoff", backoff)

		if s.cfg.MaxRetries > 0 && attempts >= s.cfg.MaxRetries {
			return fmt.Errorf("bybit stream: exceeded max_retries=%d: %w", s.cfg.MaxRetries, err)
		}

		fallbackCtx, stopFallback := context.WithCancel(ctx)
		go s.runRestFallback(fallbackCtx)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			stopFallback()
			return ctx.Err()
		}
		stopFallback()
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// connectOnce opens one websocket connection, subscribes to the
// tickers topic for every configured coin, and reads until the
// connection drops or ctx is cancelled. A successful read resets the
// caller's backoff by returning nil only on clean ctx cancellation;
// any other return is a disconnect to be retried.
func (s *Stream) connectOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	args := make([]string, 0, len(s.coins))
	for _, coin := range s.coins {
		args = append(args, "tickers."+coin)
	}
	sub := map[string]any{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pinger := time.NewTicker(20 * time.Second)
	defer pinger.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-pinger.C:
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		tick, ok := parseTickerMessage(message)
		if !ok {
			continue
		}
		select {
		case s.ticks <- tick:
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.log.Warn("bybit stream: tick channel full, dropping tick", "coin", tick.Coin)
		}
	}
}

// runRestFallback polls GetTicker at RestFallbackInterval until ctx is
// cancelled (by the caller when the backoff wait ends and the next
// reconnect attempt starts). Used while
// disconnected so the monitor keeps receiving price updates instead of
// stalling for the full reconnect duration.
func (s *Stream) runRestFallback(ctx context.Context) {
	if s.rest == nil || s.cfg.RestFallbackInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RestFallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			tickers, err := s.rest.GetTicker(ctx, s.coins)
			if err != nil {
				continue
			}
			for _, t := range tickers {
				select {
				case s.ticks <- Tick{Coin: t.Market, Price: t.Last, Bid: t.Bid, Ask: t.Ask, Ts: t.Ts}:
				default:
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// parseTickerMessage decodes a Bybit public tickers.* push frame into a
// Tick. Returns ok=false for subscription acks and other non-data
// frames.
func parseTickerMessage(raw []byte) (Tick, bool) {
	var env struct {
		Topic string `json:"topic"`
		Ts    int64  `json:"ts"`
		Data  struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Tick{}, false
	}
	if !strings.HasPrefix(env.Topic, "tickers.") || env.Data.Symbol == "" {
		return Tick{}, false
	}
	last, _ := strconv.ParseFloat(env.Data.LastPrice, 64)
	bid, _ := strconv.ParseFloat(env.Data.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(env.Data.Ask1Price, 64)
	if last == 0 && bid == 0 && ask == 0 {
		return Tick{}, false
	}
	return Tick{
		Coin:  env.Data.Symbol,
		Price: last,
		Bid:   bid,
		Ask:   ask,
		Ts:    time.UnixMilli(env.Ts).UTC(),
	}, true
}
