// Command loadtest нагружает HTTP API магазина сценариями оформления заказа
// и проверяет, что остаток товара не уходит в минус.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	modeCheckout       loadMode = "checkout"
	modeCheckoutPay    loadMode = "checkout-pay"
	modeCheckoutCancel loadMode = "checkout-cancel"
)

type config struct {
	baseURL     string
	apiKey      string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	rps         float64
	timeout     time.Duration
	mode        loadMode
	cancelRate  int
	productID   string
	quantity    int
	userTag     string
	expectStock int
	outputPath  string
}

// more сообщает, нужно ли запускать сценарий с номером i.
func (c config) more(i int) bool {
	if c.duration <= 0 || c.totalSet {
		return i < c.total
	}
	return true
}

func (c config) target() string {
	switch {
	case c.duration <= 0:
		return fmt.Sprintf("count:%d", c.total)
	case c.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", c.duration, c.total)
	default:
		return fmt.Sprintf("duration:%s", c.duration)
	}
}

func parseConfig(args []string) (config, error) {
	var (
		cfg  config
		mode string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "shop API base URL")
	fs.StringVar(&cfg.apiKey, "api-key", os.Getenv("SHOP_API_KEY"), "value for X-API-Key")
	fs.IntVar(&cfg.total, "total", 400, "scenarios to run; with -duration only a cap when set explicitly")
	fs.DurationVar(&cfg.duration, "duration", 0, "run for this long instead of a fixed count (e.g. 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent buyers")
	fs.Float64Var(&cfg.rps, "rps", 0, "max API requests per second, 0 means unlimited")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(modeCheckout), "load mode: checkout | checkout-pay | checkout-cancel")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of paid orders cancelled in checkout-pay mode (0..100)")
	fs.StringVar(&cfg.productID, "product", "demo-sticker", "product id bought by every scenario")
	fs.IntVar(&cfg.quantity, "qty", 1, "quantity per checkout")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "buyer id prefix")
	fs.IntVar(&cfg.expectStock, "expect-stock", -1, "initial stock of the product; when >= 0 the run fails if more units were sold")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) { cfg.totalSet = cfg.totalSet || f.Name == "total" })

	parsed, err := parseMode(mode)
	if err != nil {
		return cfg, err
	}
	cfg.mode = parsed
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.productID = strings.TrimSpace(cfg.productID)
	cfg.userTag = strings.TrimSpace(cfg.userTag)

	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(cfg.baseURL != "", "base-url is required")
	check(cfg.duration >= 0, "duration must be >= 0")
	check(cfg.duration > 0 || cfg.total > 0, "total must be > 0 when duration is not set")
	check(!(cfg.duration > 0 && cfg.totalSet) || cfg.total > 0, "total must be > 0 when set together with duration")
	check(cfg.concurrency > 0, "concurrency must be > 0")
	check(cfg.rps >= 0, "rps must be >= 0")
	check(cfg.timeout > 0, "timeout must be > 0")
	check(cfg.quantity > 0, "qty must be > 0")
	check(cfg.cancelRate >= 0 && cfg.cancelRate <= 100, "cancel-rate must be between 0 and 100")
	check(cfg.productID != "", "product is required")
	check(cfg.userTag != "", "user-tag is required")
	if len(problems) > 0 {
		return cfg, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.TrimSpace(value))
	switch mode {
	case modeCheckout, modeCheckoutPay, modeCheckoutCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := execute(ctx, cfg, newHTTPClient(cfg))
	if err != nil {
		log.WithError(err).Fatal("load test failed")
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if result.FailedScenarios > 0 || result.Oversold {
		log.WithFields(log.Fields{
			"failed":   result.FailedScenarios,
			"oversold": result.Oversold,
		}).Error("load test did not pass")
		os.Exit(1)
	}
}

func newHTTPClient(cfg config) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = cfg.concurrency
	return &http.Client{Transport: transport, Timeout: cfg.timeout}
}

// execute запускает сценарии не более чем в concurrency горутинах. Дедлайн
// -duration останавливает только выдачу новых сценариев, начатые доводятся до конца.
func execute(ctx context.Context, cfg config, httpClient *http.Client) (report, error) {
	startedAt := time.Now()
	runID := uuid.NewString()[:8]
	col := newCollector()
	api := newShopClient(cfg, httpClient, col)

	dispatch := ctx
	if cfg.duration > 0 {
		var cancel context.CancelFunc
		dispatch, cancel = context.WithTimeout(ctx, cfg.duration)
		defer cancel()
	}
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(cfg.concurrency)
	for i := 0; cfg.more(i) && dispatch.Err() == nil; i++ {
		sc := newScenario(api, cfg, runID, i)
		g.Go(func() error {
			_ = sc.run(work)
			return nil
		})
	}
	_ = g.Wait()

	return col.buildReport(startedAt, time.Since(startedAt), cfg.expectStock)
}

func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	if clean == "." || clean == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if !filepath.IsLocal(clean) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(clean, append(raw, '\n'), 0o600)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d rejected=%d failed=%d error_rate=%.4f\n",
		cfg.mode, cfg.target(),
		result.TotalScenarios, result.SuccessScenarios, result.RejectedScenarios, result.FailedScenarios,
		result.ErrorRate)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f units_sold=%d oversold=%t\n",
		result.DurationSeconds, result.RPS, result.UnitsSold, result.Oversold)
	lat := result.ScenarioLatencyMs
	_, _ = fmt.Fprintf(w, "scenario latency ms: avg=%.2f p50=%.2f p95=%.2f p99=%.2f\n", lat.Avg, lat.P50, lat.P95, lat.P99)

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name != methodScenario {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "method\tcalls\tsuccess\tfailed\terror_rate\tp95_ms")
	for _, name := range names {
		m := result.Methods[name]
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.2f\n", name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95)
	}
	_ = tw.Flush()
}
