package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/yegors/skywarden/internal/metrics"
	"github.com/yegors/skywarden/pkg/logger"
)

// ErrQueueFull is returned when a delivery cannot be queued
var ErrQueueFull = errors.New("notification queue full")

const (
	kindNotification = "notification"
	kindWebhook      = "webhook"
)

// Options configures a Dispatcher
type Options struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	RatePerMinute float64 // 0 disables limiting
	Burst         int
	UserAgent     string
}

// Payload is the body posted to notification URLs
type Payload struct {
	Priority string    `json:"priority"`
	Title    string    `json:"title"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
}

type job struct {
	kind string
	url  string
	body any
}

// Dispatcher delivers notifications and webhooks from a bounded queue.
// Notify and Webhook never block; jobs queued before Start are delivered once workers run.
type Dispatcher struct {
	opts    Options
	client  *resty.Client
	limiter *rate.Limiter
	queue   chan job
	metrics *metrics.Metrics
	logger  *logger.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a notification dispatcher
func NewDispatcher(opts Options, m *metrics.Metrics, log *logger.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "skywarden/1.0"
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if log == nil {
		log = logger.NewNop()
	}

	limit := rate.Inf
	if opts.RatePerMinute > 0 {
		limit = rate.Limit(opts.RatePerMinute / 60)
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", opts.UserAgent)

	return &Dispatcher{
		opts:    opts,
		client:  client,
		limiter: rate.NewLimiter(limit, opts.Burst),
		queue:   make(chan job, opts.QueueSize),
		metrics: m,
		logger:  log.Named("notify"),
	}
}

// Start launches the worker pool
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.logger.Info("Notification dispatcher started",
		logger.Int("workers", d.opts.Workers),
		logger.Int("queue_size", d.opts.QueueSize),
	)
}

// Stop cancels in-flight deliveries and waits for workers. Queued jobs are dropped.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		if pending := len(d.queue); pending > 0 {
			d.logger.Warn("Dropping undelivered notifications", logger.Int("pending", pending))
		}
		d.logger.Info("Notification dispatcher stopped")
	})
}

// Notify posts a Payload to every URL
func (d *Dispatcher) Notify(priority, title, message string, urls []string) {
	body := Payload{Priority: priority, Title: title, Message: message, SentAt: time.Now().UTC()}
	for _, url := range urls {
		_ = d.enqueue(job{kind: kindNotification, url: url, body: body})
	}
}

// Webhook posts payload as JSON to url
func (d *Dispatcher) Webhook(url string, payload any) {
	_ = d.enqueue(job{kind: kindWebhook, url: url, body: payload})
}

// Pending returns the number of queued jobs
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) enqueue(j job) error {
	if j.url == "" {
		return nil
	}
	select {
	case d.queue <- j:
		return nil
	default:
		d.metrics.Notifications.WithLabelValues(j.kind, "dropped").Inc()
		d.logger.Warn("Notification queue full, dropping delivery",
			logger.String("kind", j.kind),
			logger.String("url", j.url),
		)
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	d.logger.Debug("Starting notification worker", logger.Int("worker_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			if err := d.deliver(ctx, j); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.metrics.Notifications.WithLabelValues(j.kind, "failed").Inc()
				d.logger.Error("Delivery failed",
					logger.Int("worker_id", id),
					logger.String("kind", j.kind),
					logger.String("url", j.url),
					logger.Error(err),
				)
				continue
			}
			d.metrics.Notifications.WithLabelValues(j.kind, "sent").Inc()
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(j.body).
		Post(j.url)
	if err != nil {
		return fmt.Errorf("post %s: %w", j.kind, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s returned status %d", j.kind, resp.StatusCode())
	}

	d.logger.Debug("Delivered",
		logger.String("kind", j.kind),
		logger.String("url", j.url),
		logger.Int("status_code", resp.StatusCode()),
	)
	return nil
}
