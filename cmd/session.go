package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/cbengine/engine"
	"github.com/inference-sim/cbengine/engine/synthetic"
	"github.com/inference-sim/cbengine/engine/trace"
)

// engineFlags holds the flags shared by every command that runs a pipeline.
type engineFlags struct {
	configPath           string // YAML scheduler config
	generationConfigPath string // YAML generation config
	defaultsPath         string // defaults.yaml with latency profiles and workloads
	latencyProfile       string // latency profile id in defaultsPath
	workload             string // preset workload name in defaultsPath
	datasetPath          string // tokenized ShareGPT-style JSON

	maxNumBatchedTokens int
	numKVBlocks         int
	blockSize           int
	maxNumSeqs          int
	dynamicSplitFuse    bool
	prefixCaching       bool

	maxNewTokens int
	seed         int64
	vocabSize    int
	betaCoeffs   []float64

	numPrompts        int
	prefixTokens      int
	promptTokensMean  int
	promptTokensStdev int
	promptTokensMin   int
	promptTokensMax   int

	traceLevel  string
	metricsAddr string
	progress    bool
}

func (f *engineFlags) register(cmd *cobra.Command, defaultPrompts int) {
	d := engine.DefaultSchedulerConfig()
	fs := cmd.Flags()

	fs.StringVar(&f.configPath, "config", "", "YAML scheduler config; explicitly set flags override its values")
	fs.StringVar(&f.generationConfigPath, "generation-config", "", "YAML generation config applied on top of the command's preset")
	fs.StringVar(&f.defaultsPath, "defaults-file", "defaults.yaml", "Path to latency profiles and preset workloads")
	fs.StringVar(&f.latencyProfile, "latency-profile", "", "Latency profile id from --defaults-file")
	fs.StringVar(&f.workload, "workload", "", "Preset workload name from --defaults-file")
	fs.StringVar(&f.datasetPath, "dataset", "", "Tokenized ShareGPT-style JSON used instead of synthetic prompts")

	// scheduler config
	fs.IntVar(&f.maxNumBatchedTokens, "max-num-batched-tokens", d.MaxNumBatchedTokens, "Maximum number of tokens per step")
	fs.IntVar(&f.numKVBlocks, "num-kv-blocks", d.NumKVBlocks, "Total number of KV cache blocks")
	fs.IntVar(&f.blockSize, "block-size", d.BlockSize, "Number of tokens per KV cache block")
	fs.IntVar(&f.maxNumSeqs, "max-num-seqs", d.MaxNumSeqs, "Maximum number of running requests")
	fs.BoolVar(&f.dynamicSplitFuse, "dynamic-split-fuse", d.DynamicSplitFuse, "Split prefills elastically to fill the token budget")
	fs.BoolVar(&f.prefixCaching, "enable-prefix-caching", d.EnablePrefixCaching, "Reuse KV blocks of shared prompt prefixes")

	// model
	fs.IntVar(&f.maxNewTokens, "max-new-tokens", 30, "Maximum number of generated tokens per request")
	fs.Int64Var(&f.seed, "seed", 42, "Seed for prompt synthesis and sampling")
	fs.IntVar(&f.vocabSize, "vocab-size", synthetic.DefaultVocabSize, "Vocabulary size of the synthetic model")
	fs.Float64SliceVar(&f.betaCoeffs, "beta-coeffs", []float64{0.0, 0.0, 0.0}, "Comma-separated step-time coefficients in µs (beta0,beta1 per prefill token,beta2 per decode token)")

	// workload
	fs.IntVar(&f.numPrompts, "num-prompts", defaultPrompts, "Number of prompts")
	fs.IntVar(&f.prefixTokens, "prefix-tokens", 0, "Length of the prefix shared by all prompts")
	fs.IntVar(&f.promptTokensMean, "prompt-tokens", 16, "Average prompt token count")
	fs.IntVar(&f.promptTokensStdev, "prompt-tokens-stdev", 4, "Stddev prompt token count")
	fs.IntVar(&f.promptTokensMin, "prompt-tokens-min", 4, "Min prompt token count")
	fs.IntVar(&f.promptTokensMax, "prompt-tokens-max", 64, "Max prompt token count")

	// observability
	fs.StringVar(&f.traceLevel, "trace", string(trace.TraceLevelNone), "Step trace level (none, steps)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fs.BoolVar(&f.progress, "progress", false, "Show a progress bar")
}

// schedulerConfig resolves the scheduler config. Without --config the
// flags are used as is; with it, only flags the user set override the
// file, so that flag defaults never clobber file values.
func (f *engineFlags) schedulerConfig(cmd *cobra.Command) (engine.SchedulerConfig, error) {
	cfg := engine.DefaultSchedulerConfig()
	if f.configPath != "" {
		var err error
		if cfg, err = engine.LoadSchedulerConfig(f.configPath); err != nil {
			return engine.SchedulerConfig{}, err
		}
		logrus.Infof("Loaded scheduler config from %s", f.configPath)
	}
	apply := func(name string) bool { return f.configPath == "" || cmd.Flags().Changed(name) }

	if apply("max-num-batched-tokens") {
		cfg.MaxNumBatchedTokens = f.maxNumBatchedTokens
	}
	if apply("num-kv-blocks") {
		cfg.NumKVBlocks = f.numKVBlocks
	}
	if apply("block-size") {
		cfg.BlockSize = f.blockSize
	}
	if apply("max-num-seqs") {
		cfg.MaxNumSeqs = f.maxNumSeqs
	}
	if apply("dynamic-split-fuse") {
		cfg.DynamicSplitFuse = f.dynamicSplitFuse
	}
	if apply("enable-prefix-caching") {
		cfg.EnablePrefixCaching = f.prefixCaching
	}
	return cfg, cfg.Validate()
}

// generationConfig resolves the generation config on top of base.
func (f *engineFlags) generationConfig(cmd *cobra.Command, base engine.GenerationConfig) (engine.GenerationConfig, error) {
	cfg := base
	if f.generationConfigPath != "" {
		var err error
		if cfg, err = engine.LoadGenerationConfig(f.generationConfigPath, base); err != nil {
			return engine.GenerationConfig{}, err
		}
	}
	if f.generationConfigPath == "" || cmd.Flags().Changed("max-new-tokens") {
		cfg.MaxNewTokens = f.maxNewTokens
	}
	return cfg, cfg.Validate()
}

// latencyModel returns nil when every coefficient is zero: steps then run
// as fast as the synthetic model computes.
func (f *engineFlags) latencyModel(cmd *cobra.Command) (synthetic.LatencyModel, error) {
	beta := f.betaCoeffs
	if f.latencyProfile != "" && !cmd.Flags().Changed("beta-coeffs") {
		defaults, err := loadDefaults(f.defaultsPath)
		if err != nil {
			return nil, err
		}
		profile, ok := defaults.Profile(f.latencyProfile)
		if !ok {
			return nil, fmt.Errorf("latency profile %q not found in %s", f.latencyProfile, f.defaultsPath)
		}
		logrus.Infof("Using latency profile %s (GPU %s)", profile.ID, profile.GPU)
		beta = profile.BetaCoeffs
	}
	if AllZeros(beta) {
		return nil, nil
	}
	return synthetic.NewBlackboxLatencyModel(beta)
}

// promptWorkload resolves the synthetic prompt distribution: flags,
// overridden by a preset, overridden again by flags the user set.
func (f *engineFlags) promptWorkload(cmd *cobra.Command) (Workload, error) {
	w := Workload{
		PrefixTokens:      f.prefixTokens,
		PromptTokensMean:  f.promptTokensMean,
		PromptTokensStdev: f.promptTokensStdev,
		PromptTokensMin:   f.promptTokensMin,
		PromptTokensMax:   f.promptTokensMax,
	}
	if f.workload != "" {
		defaults, err := loadDefaults(f.defaultsPath)
		if err != nil {
			return Workload{}, err
		}
		preset, ok := defaults.Workload(f.workload)
		if !ok {
			return Workload{}, fmt.Errorf("workload %q not found in %s", f.workload, f.defaultsPath)
		}
		logrus.Infof("Using preset workload %s", f.workload)
		fs := cmd.Flags()
		if !fs.Changed("prefix-tokens") {
			w.PrefixTokens = preset.PrefixTokens
		}
		if !fs.Changed("prompt-tokens") {
			w.PromptTokensMean = preset.PromptTokensMean
		}
		if !fs.Changed("prompt-tokens-stdev") {
			w.PromptTokensStdev = preset.PromptTokensStdev
		}
		if !fs.Changed("prompt-tokens-min") {
			w.PromptTokensMin = preset.PromptTokensMin
		}
		if !fs.Changed("prompt-tokens-max") {
			w.PromptTokensMax = preset.PromptTokensMax
		}
	}
	return w, w.Validate()
}

// prompts loads the dataset or synthesizes prompts from the workload.
func (f *engineFlags) prompts(cmd *cobra.Command, vocabSize int) ([][]int, error) {
	if f.numPrompts <= 0 {
		return nil, fmt.Errorf("--num-prompts must be > 0, got %d", f.numPrompts)
	}
	if f.datasetPath != "" {
		prompts, err := loadTokenizedPrompts(f.datasetPath)
		if err != nil {
			return nil, err
		}
		if len(prompts) == 0 {
			return nil, fmt.Errorf("dataset %s holds no prompts", f.datasetPath)
		}
		return prompts[:min(len(prompts), f.numPrompts)], nil
	}
	w, err := f.promptWorkload(cmd)
	if err != nil {
		return nil, err
	}
	rng := engine.NewPartitionedRNG(f.seed).ForSubsystem(engine.SubsystemWorkload)
	return synthesizePrompts(rng, w, f.numPrompts, vocabSize), nil
}

// session is a pipeline over the synthetic model, ready to generate.
type session struct {
	pipeline *engine.Pipeline
	executor *synthetic.Executor
	registry *prometheus.Registry
	trace    *trace.StepTrace
	genCfg   engine.GenerationConfig
	prompts  [][]int
}

// newSession builds a pipeline from the flags. progress, if non-nil, is
// passed to the pipeline as its Generate progress callback.
func (f *engineFlags) newSession(cmd *cobra.Command, base engine.GenerationConfig, progress func(done, total int)) (*session, error) {
	if !trace.IsValidTraceLevel(f.traceLevel) {
		return nil, fmt.Errorf("unknown trace level %q", f.traceLevel)
	}
	schedCfg, err := f.schedulerConfig(cmd)
	if err != nil {
		return nil, err
	}
	genCfg, err := f.generationConfig(cmd, base)
	if err != nil {
		return nil, err
	}
	latency, err := f.latencyModel(cmd)
	if err != nil {
		return nil, err
	}
	execOpts := []synthetic.Option{synthetic.WithVocabSize(f.vocabSize), synthetic.WithSeed(uint64(f.seed))}
	if latency != nil {
		execOpts = append(execOpts, synthetic.WithLatencyModel(latency))
	}
	executor, err := synthetic.NewExecutor(execOpts...)
	if err != nil {
		return nil, err
	}
	prompts, err := f.prompts(cmd, executor.VocabSize())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	st := trace.NewStepTrace(trace.TraceConfig{Level: trace.TraceLevel(f.traceLevel)})
	opts := []engine.Option{engine.WithSeed(f.seed), engine.WithRegisterer(reg), engine.WithTrace(st)}
	if progress != nil {
		opts = append(opts, engine.WithProgress(progress))
	}
	pipeline, err := engine.NewPipeline(schedCfg, executor, opts...)
	if err != nil {
		return nil, err
	}

	logrus.Infof("Starting pipeline: %+v, %s decoding of up to %d tokens, %d prompts",
		schedCfg, genCfg.Mode(), genCfg.MaxNewTokens, len(prompts))
	return &session{
		pipeline: pipeline,
		executor: executor,
		registry: reg,
		trace:    st,
		genCfg:   genCfg,
		prompts:  prompts,
	}, nil
}

// report prints the pipeline metrics and, when tracing, the trace summary.
func (s *session) report(out io.Writer) {
	m := s.pipeline.Metrics()
	fmt.Fprintf(out, "Steps: %d, generated tokens: %d, preemptions: %d\n", m.Steps, m.GeneratedTokens, m.Preemptions)
	fmt.Fprintf(out, "KV cache usage: avg %.2f%%, max %.2f%%; prefix cache hit rate: %.2f\n",
		m.AvgCacheUsage, m.MaxCacheUsage, m.CacheHitRate)
	if s.trace.Enabled() {
		sum := trace.Summarize(s.trace)
		fmt.Fprintf(out, "Trace: %d steps, %d tokens, mean batch %.1f tokens, max batch %d tokens, %d block copies\n",
			sum.TotalSteps, sum.TotalTokens, sum.MeanBatchTokens, sum.MaxBatchTokens, sum.BlockCopies)
		for _, id := range slices.Sorted(maps.Keys(sum.PreemptedCounts)) {
			fmt.Fprintf(out, "  %s preempted %d times\n", id, sum.PreemptedCounts[id])
		}
	}
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// AllZeros reports whether every coefficient is 0 (the flag default).
func AllZeros(values []float64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}
