package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/backlinkoo/linkwatch/internal/utils"
	"github.com/backlinkoo/linkwatch/pkg/automation"
	"github.com/backlinkoo/linkwatch/pkg/content"
	"github.com/backlinkoo/linkwatch/pkg/inflight"
	"github.com/backlinkoo/linkwatch/pkg/notify"
	"github.com/backlinkoo/linkwatch/pkg/schedule"
	"github.com/backlinkoo/linkwatch/pkg/storage"
	"github.com/backlinkoo/linkwatch/pkg/upsell"
	"github.com/backlinkoo/linkwatch/pkg/usage"
	"github.com/backlinkoo/linkwatch/pkg/verify"
	"github.com/backlinkoo/linkwatch/pkg/whttp"
)

// setDefaults registers every config key with its default so a fresh
// ~/.linkwatch.yaml lists them all.
func setDefaults() {
	viper.SetDefault("db.lock_wait", "0s")
	v := verify.DefaultConfig()
	viper.SetDefault("verify.check_delay", v.CheckDelay.String())
	viper.SetDefault("verify.sweep_interval", v.SweepInterval.String())
	viper.SetDefault("verify.timeout", v.Timeout.String())
	viper.SetDefault("verify.max_attempts", v.MaxAttempts)
	viper.SetDefault("verify.base_backoff", v.BaseBackoff.String())
	viper.SetDefault("verify.max_backoff", v.MaxBackoff.String())
	viper.SetDefault("verify.concurrency", v.Concurrency)
	viper.SetDefault("verify.user_agent", whttp.DefaultUserAgent)
	viper.SetDefault("verify.http_retries", 1)

	a := automation.DefaultConfig()
	viper.SetDefault("automation.tick", a.Tick.String())
	viper.SetDefault("automation.cooldown", a.Cooldown.String())
	viper.SetDefault("automation.error_rate_max", a.ErrorRateMax)
	viper.SetDefault("automation.quality_floor", a.QualityFloor)
	viper.SetDefault("automation.min_sample", a.MinSample)
	viper.SetDefault("automation.concurrency", a.Concurrency)
	viper.SetDefault("automation.commit_attempts", storage.DefaultRetryPolicy().MaxAttempts)

	viper.SetDefault("usage.default_tier", usage.TierFree)
	for name, l := range usage.DefaultTiers() {
		prefix := "usage.tiers." + name + "."
		viper.SetDefault(prefix+"daily_items", l.DailyItems)
		viper.SetDefault(prefix+"compute_units", l.ComputeUnits)
		viper.SetDefault(prefix+"storage_mb", l.StorageMB)
		viper.SetDefault(prefix+"bandwidth_mb", l.BandwidthMB)
		viper.SetDefault(prefix+"cost_multiplier", l.CostMultiplier)
		viper.SetDefault(prefix+"auto_resume", l.AutoResume)
	}

	viper.SetDefault("content.providers", []string{"openai"})
	viper.SetDefault("content.timeout", "45s")
	viper.SetDefault("content.openai.api_key", "")
	viper.SetDefault("content.openai.model", "gpt-4.1-mini")
	viper.SetDefault("content.openai.endpoint", "")

	viper.SetDefault("redis.address", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("server.username", "")
	viper.SetDefault("server.password", "")
}

func verifyConfig() verify.Config {
	return verify.Config{
		CheckDelay:    viper.GetDuration("verify.check_delay"),
		SweepInterval: viper.GetDuration("verify.sweep_interval"),
		Timeout:       viper.GetDuration("verify.timeout"),
		MaxAttempts:   viper.GetInt("verify.max_attempts"),
		BaseBackoff:   viper.GetDuration("verify.base_backoff"),
		MaxBackoff:    viper.GetDuration("verify.max_backoff"),
		Concurrency:   viper.GetInt("verify.concurrency"),
		Log:           utils.Log,
	}
}

func automationConfig() automation.Config {
	return automation.Config{
		Tick:         viper.GetDuration("automation.tick"),
		Cooldown:     viper.GetDuration("automation.cooldown"),
		ErrorRateMax: viper.GetFloat64("automation.error_rate_max"),
		QualityFloor: viper.GetFloat64("automation.quality_floor"),
		MinSample:    viper.GetInt("automation.min_sample"),
		Concurrency:  viper.GetInt("automation.concurrency"),
		Commit:       storage.RetryPolicy{MaxAttempts: viper.GetInt("automation.commit_attempts")},
		Log:          utils.Log,
	}
}

func usageConfig() (usage.Config, error) {
	tiers := map[string]usage.Limits{}
	if err := viper.UnmarshalKey("usage.tiers", &tiers); err != nil {
		return usage.Config{}, fmt.Errorf("usage.tiers: %w", err)
	}
	return usage.Config{
		Tiers:       tiers,
		DefaultTier: viper.GetString("usage.default_tier"),
		Log:         utils.Log,
	}, nil
}

func contentProviders() []content.Provider {
	var out []content.Provider
	for _, name := range viper.GetStringSlice("content.providers") {
		switch name {
		case "openai":
			key := viper.GetString("content.openai.api_key")
			if key == "" {
				key = os.Getenv("OPENAI_API_KEY")
			}
			p, err := content.NewOpenAI(content.OpenAIConfig{
				APIKey:   key,
				Model:    viper.GetString("content.openai.model"),
				Endpoint: viper.GetString("content.openai.endpoint"),
				Timeout:  viper.GetDuration("content.timeout"),
			})
			if err != nil {
				utils.Log.Debugf("Skipping openai provider: %v", err)
				continue
			}
			out = append(out, p)
		default:
			utils.Log.Warnf("Unknown content provider %q in config", name)
		}
	}
	return out
}

// app wires the store, engine, tracker, controller and hub the commands
// share.
type app struct {
	dbPath  string
	db      *storage.DB
	lock    *utils.WriterLock
	rdb     redis.UniversalClient
	hub     *notify.Hub
	engine  *verify.Engine
	tracker *usage.Tracker
	ctrl    *automation.Controller
	prompts *upsell.Prompter
	gen     *content.Generator

	detach func()
}

// openApp builds the app for cmd. With writer set the DB file lock is held
// until close, so two CLI mutations never interleave.
func openApp(cmd *cobra.Command, writer bool) (*app, error) {
	dbFlag, _ := cmd.Flags().GetString("dbpath")
	dbPath, err := utils.ResolveDBPath(dbFlag)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	a := &app{dbPath: dbPath}
	if writer {
		lock, err := utils.NewWriterLock(dbPath)
		if err != nil {
			return nil, err
		}
		if err := lock.Acquire(cmd.Context(), viper.GetDuration("db.lock_wait")); err != nil {
			return nil, err
		}
		a.lock = lock
	}
	a.db, err = storage.Open(dbPath)
	if err != nil {
		a.close()
		return nil, err
	}

	if addr := viper.GetString("redis.address"); addr != "" {
		a.rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{addr},
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		})
	}

	a.hub = notify.NewHub(schedule.Real{}, utils.Log)

	ucfg, err := usageConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	var counters usage.Counters = a.db
	if a.rdb != nil {
		counters = usage.NewRedisCounters(a.rdb)
	}
	a.tracker = usage.New(counters, a.db, a.db, ucfg)

	proxy, _ := cmd.Flags().GetString("proxy")
	vcfg := verifyConfig()
	client, err := whttp.NewClient(whttp.ClientConfig{
		Timeout:  vcfg.Timeout,
		RetryMax: viper.GetInt("verify.http_retries"),
		Proxy:    proxy,
		Logger:   utils.Log,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	vcfg.Hub = a.hub
	vcfg.OnProbe = func(r storage.Resource) {
		if r.UserID == "" {
			return
		}
		if err := a.tracker.RecordEstimated(context.Background(), r.UserID, usage.OpVerification); err != nil {
			utils.Log.Warnf("Recording verification usage for %s: %v", r.ID, err)
		}
	}
	if a.rdb != nil {
		vcfg.Guard = inflight.NewRedisGuard(a.rdb, "linkwatch:verify:")
	}
	a.engine = verify.New(a.db, verify.NewHTTPProber(client, viper.GetString("verify.user_agent")), vcfg)

	acfg := automationConfig()
	acfg.Hub = a.hub
	a.ctrl = automation.New(a.db, a.tracker, acfg)
	a.tracker.OnThreshold(a.ctrl.ThresholdCrossed)

	a.prompts = upsell.New(a.db, a.tracker, nil, utils.Log)
	a.detach, err = a.prompts.Attach(a.hub)
	if err != nil {
		a.close()
		return nil, err
	}

	a.gen = content.NewGenerator(content.Config{Timeout: viper.GetDuration("content.timeout"), Log: utils.Log}, contentProviders()...)
	return a, nil
}

// close lets observers finish what was already published, then tears
// everything down in reverse order.
func (a *app) close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Drain(ctx); err != nil {
			utils.Log.Warnf("Observers did not drain: %v", err)
		}
		cancel()
	}
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.detach != nil {
		a.detach()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.lock != nil {
		if err := a.lock.Release(); err != nil {
			utils.Log.Warn(err)
		}
	}
}
