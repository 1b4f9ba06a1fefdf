package alerting

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleAlert() Alert {
	return Alert{
		ID:          "a-1",
		Detector:    "significant_transfer",
		EntityKey:   "1:usdt:0xa->0xb",
		Severity:    SeverityWarning,
		Title:       "Significant USDT transfer",
		Message:     "150000 USDT from 0xa to 0xb",
		ChainID:     1,
		TxHash:      "0xabc",
		BlockNumber: 42,
		TokenSymbol: "USDT",
		Amount:      decimal.NewFromInt(150000),
		Timestamp:   time.Unix(1_700_000_000, 0),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Errorf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "Significant USDT transfer") {
		t.Fatalf("text 应包含标题: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	if err := notifier.Notify(context.Background(), sampleAlert()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramBreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier(TelegramOptions{BotToken: "token", ChatID: "chat", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	for i := 0; i < 8; i++ {
		_ = notifier.Notify(context.Background(), sampleAlert())
	}
	if got := calls.Load(); got != 5 {
		t.Fatalf("breaker should stop calls after 5 failures, server saw %d", got)
	}
}

func TestWxPusherRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/send/message" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["appToken"] != "AT_0123456789" {
			t.Errorf("appToken = %v", body["appToken"])
		}
		if calls.Add(1) < 3 {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "busy"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "code": 1000})
	}))
	defer srv.Close()

	notifier, err := NewWxPusherNotifier(WxPusherOptions{
		AppToken:   "AT_0123456789",
		UIDs:       []string{"UID_1"},
		APIBase:    srv.URL,
		RetryTimes: 3,
		RetryDelay: time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewWxPusherNotifier: %v", err)
	}
	if err := notifier.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWxPusherValidation(t *testing.T) {
	if _, err := NewWxPusherNotifier(WxPusherOptions{AppToken: "short", UIDs: []string{"u"}}, testLogger()); err == nil {
		t.Fatal("short app token should be rejected")
	}
	if _, err := NewWxPusherNotifier(WxPusherOptions{AppToken: "AT_0123456789"}, testLogger()); err == nil {
		t.Fatal("missing uids should be rejected")
	}
}

func TestKafkaNotifierEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var env Envelope
		if err := json.Unmarshal(val, &env); err != nil {
			return err
		}
		if env.Type != "alert.significant_transfer" {
			return errors.New("unexpected envelope type " + env.Type)
		}
		var alert Alert
		if err := json.Unmarshal(env.Data, &alert); err != nil {
			return err
		}
		if alert.ID != "a-1" || !alert.Amount.Equal(decimal.NewFromInt(150000)) {
			return errors.New("alert payload mismatch")
		}
		return nil
	})

	notifier := NewKafkaNotifierWithProducer(producer, "sentinel.alerts")
	if err := notifier.Notify(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := notifier.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	block  chan struct{}
	fail   bool
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, alert Alert) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func TestDispatcherDrainsOnClose(t *testing.T) {
	failing := &recordingNotifier{fail: true}
	rec := &recordingNotifier{}
	d := NewDispatcher(DispatcherOptions{Buffer: 16, Workers: 2}, testLogger(), failing, rec)
	d.Start(context.Background())

	for i := 0; i < 10; i++ {
		if !d.Publish(sampleAlert()) {
			t.Fatalf("publish %d rejected", i)
		}
	}
	d.Close()

	if rec.count() != 10 {
		t.Fatalf("delivered = %d, want 10 (a failing executor must not stop the others)", rec.count())
	}
	if d.Publish(sampleAlert()) {
		t.Fatal("publish after close should be rejected")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recordingNotifier{block: make(chan struct{})}
	d := NewDispatcher(DispatcherOptions{Buffer: 1, Workers: 1}, testLogger(), rec)
	d.Start(context.Background())

	accepted := 0
	for i := 0; i < 10; i++ {
		if d.Publish(sampleAlert()) {
			accepted++
		}
	}
	if accepted >= 10 {
		t.Fatal("full buffer must drop alerts instead of blocking")
	}

	close(rec.block)
	d.Close()
	if rec.count() != accepted {
		t.Fatalf("delivered %d, accepted %d", rec.count(), accepted)
	}
}

func TestRenderMessage(t *testing.T) {
	text := renderMessage(sampleAlert())
	for _, want := range []string{"[WARNING]", "Detector: significant_transfer", "Tx: 0xabc", "Block: 42"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
