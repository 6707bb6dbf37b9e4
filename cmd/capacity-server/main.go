package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-capacity-forecaster/pkg/cache"
	"github.com/opscart/k8s-capacity-forecaster/pkg/config"
	"github.com/opscart/k8s-capacity-forecaster/pkg/datasource"
	"github.com/opscart/k8s-capacity-forecaster/pkg/forecast"
	"github.com/opscart/k8s-capacity-forecaster/pkg/inference"
	"github.com/opscart/k8s-capacity-forecaster/pkg/quota"
	"github.com/opscart/k8s-capacity-forecaster/pkg/scope"
	"github.com/opscart/k8s-capacity-forecaster/pkg/server"
)

var (
	// Serve flags
	listenAddr    string
	metricsSource string
	prometheusURL string
	inferenceURL  string
	verbose       bool

	// Predict flags
	predictNamespace  string
	predictDeployment string
	predictPod        string
	predictScope      string
	predictHour       int
	predictDay        int
	predictModel      string
	predictTrend      bool

	// Global config
	cfg *config.Config
)

func main() {
	cfg = config.NewConfig()

	var rootCmd = &cobra.Command{
		Use:   "capacity-server",
		Short: "Kubernetes resource forecasting and capacity analysis API",
		Long:  `Serve usage predictions and capacity headroom reports backed by Prometheus or metrics-server and an external inference service.`,
		Run:   runServe,
	}

	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "", "Listen address (overrides LISTEN_ADDR)")
	rootCmd.PersistentFlags().StringVar(&metricsSource, "metrics-source", "", "Metrics backend: prometheus, metrics-server, synthetic (overrides METRICS_SOURCE)")
	rootCmd.PersistentFlags().StringVar(&prometheusURL, "prometheus-url", "", "Prometheus base URL (overrides PROMETHEUS_URL)")
	rootCmd.PersistentFlags().StringVar(&inferenceURL, "inference-url", "", "Inference service base URL (overrides INFERENCE_URL)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Probe the configured upstreams and report their health",
		Run:   runCheck,
	}

	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Run a single prediction and print the result as JSON",
		Run:   runPredict,
	}
	predictCmd.Flags().StringVarP(&predictNamespace, "namespace", "n", "", "Namespace to predict for")
	predictCmd.Flags().StringVar(&predictDeployment, "deployment", "", "Deployment to predict for")
	predictCmd.Flags().StringVar(&predictPod, "pod", "", "Pod to predict for")
	predictCmd.Flags().StringVar(&predictScope, "scope", "", "Scope kind: pod, deployment, namespace, cluster (inferred if empty)")
	predictCmd.Flags().IntVar(&predictHour, "hour", -1, "Target hour 0-23 (default: current hour)")
	predictCmd.Flags().IntVar(&predictDay, "day-of-week", -1, "Target day 0=Monday..6=Sunday (default: today)")
	predictCmd.Flags().StringVar(&predictModel, "model", "", "Model name (default from config)")
	predictCmd.Flags().BoolVar(&predictTrend, "include-trend", false, "Include the trend direction label")

	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(predictCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func applyFlags() {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if metricsSource != "" {
		cfg.MetricsSource = metricsSource
	}
	if prometheusURL != "" {
		cfg.PrometheusURL = prometheusURL
	}
	if inferenceURL != "" {
		cfg.InferenceURL = inferenceURL
	}
	if verbose {
		cfg.Verbose = true
	}
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func runServe(cmd *cobra.Command, args []string) {
	applyFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()

	metrics, err := buildMetricsSource(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing metrics source: %v\n", err)
		os.Exit(1)
	}

	quotas, err := buildQuotaSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing quota source: %v\n", err)
		os.Exit(1)
	}

	engine := buildEngine(metrics, quotas, log)
	srv := server.New(engine, metrics, cfg, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	}
}

func runCheck(cmd *cobra.Command, args []string) {
	applyFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()
	log.SetLevel(logrus.ErrorLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	healthy := true

	metrics, err := buildMetricsSource(log)
	if err != nil {
		fmt.Printf("[FAIL] metrics source (%s): %v\n", cfg.MetricsSource, err)
		healthy = false
	} else if metrics.IsAvailable(ctx) {
		fmt.Printf("[OK]   metrics source (%s)\n", metrics.Name())
	} else {
		fmt.Printf("[FAIL] metrics source (%s): unreachable\n", metrics.Name())
		healthy = false
	}

	inf := inference.NewHTTPClient(cfg.InferenceURL, 10*time.Second, log)
	if err := inf.Ready(ctx, cfg.DefaultModel); err != nil {
		fmt.Printf("[FAIL] inference service (%s): %v\n", cfg.InferenceURL, err)
		healthy = false
	} else {
		fmt.Printf("[OK]   inference service, model %s ready\n", cfg.DefaultModel)
	}

	quotas, err := buildQuotaSource()
	if err != nil {
		fmt.Printf("[FAIL] quota source: %v\n", err)
		healthy = false
	} else if _, err := quotas.GetQuota(ctx, ""); err != nil {
		fmt.Printf("[FAIL] quota source: %v\n", err)
		healthy = false
	} else {
		fmt.Println("[OK]   quota source (cluster API)")
	}

	if !healthy {
		os.Exit(1)
	}
}

func runPredict(cmd *cobra.Command, args []string) {
	applyFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()
	log.SetLevel(logrus.ErrorLevel)

	metrics, err := buildMetricsSource(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing metrics source: %v\n", err)
		os.Exit(1)
	}
	quotas, err := buildQuotaSource()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing quota source: %v\n", err)
		os.Exit(1)
	}
	engine := buildEngine(metrics, quotas, log)
	defer engine.Close()

	req := forecast.PredictionRequest{
		Kind:         scope.Kind(predictScope),
		Namespace:    predictNamespace,
		Deployment:   predictDeployment,
		Pod:          predictPod,
		Model:        predictModel,
		IncludeTrend: predictTrend,
	}
	if predictHour >= 0 {
		req.Hour = &predictHour
	}
	if predictDay >= 0 {
		req.DayOfWeek = &predictDay
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PredictTimeout)
	defer cancel()

	resp, err := engine.Predict(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func buildEngine(metrics datasource.MetricsSource, quotas quota.Source, log *logrus.Logger) *forecast.Engine {
	inf := inference.NewHTTPClient(cfg.InferenceURL, 10*time.Second, log)
	return forecast.NewEngine(metrics, quotas, inf, cache.New(), log, forecast.Options{
		RollingWindow:         cfg.RollingWindow,
		TrendWindow:           cfg.TrendWindow,
		TrendStep:             cfg.TrendStep,
		TrendThresholdPercent: cfg.TrendThresholdPercent,
		SafetyMarginPercent:   cfg.SafetyMarginPercent,
		CacheTTL:              cfg.CacheTTL,
		DefaultModel:          cfg.DefaultModel,
	})
}

func buildMetricsSource(log *logrus.Logger) (datasource.MetricsSource, error) {
	switch cfg.MetricsSource {
	case config.SourcePrometheus:
		return datasource.NewPrometheusSource(cfg.PrometheusURL, log)
	case config.SourceMetricsServer:
		restCfg, err := restConfig()
		if err != nil {
			return nil, err
		}
		kubeClient, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create clientset: %w", err)
		}
		metricsClient, err := metricsv.NewForConfig(restCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics clientset: %w", err)
		}
		return datasource.NewMetricsServerSource(metricsClient, kubeClient, log), nil
	case config.SourceSynthetic:
		return datasource.NewSyntheticSource(), nil
	default:
		return nil, fmt.Errorf("unknown metrics source: %s", cfg.MetricsSource)
	}
}

// buildQuotaSource falls back to a degraded source when no cluster is
// reachable, so the synthetic backend works without a kubeconfig.
func buildQuotaSource() (quota.Source, error) {
	src, err := quota.NewKubeSourceFromKubeconfig()
	if err != nil {
		if cfg.MetricsSource == config.SourceSynthetic {
			return quota.UnavailableSource{}, nil
		}
		return nil, err
	}
	return src, nil
}

// restConfig tries in-cluster config first, then ~/.kube/config.
func restConfig() (*rest.Config, error) {
	restCfg, err := rest.InClusterConfig()
	if err == nil {
		return restCfg, nil
	}
	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}
	return restCfg, nil
}
