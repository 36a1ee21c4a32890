package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/vqa-verify/internal/artifacts"
	"github.com/example/vqa-verify/internal/auth"
	"github.com/example/vqa-verify/internal/client"
	"github.com/example/vqa-verify/internal/config"
	"github.com/example/vqa-verify/internal/evaluation"
	"github.com/example/vqa-verify/internal/wire"
)

const tokenSubject = "vqa-client"

type runOptions struct {
	host                string
	port                int
	totalImages         int
	batchSize           int
	questionWeights     string
	threshold           float64
	labels              string
	subset              int
	questionsFile       string
	model               string
	useConfidence       bool
	normalizeWeights    bool
	generationBatchSize int
	imageDir            string
	outputDir           string
	token               string
}

func newRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send every image in the image directory to the scoring service",
		Long: `Run lists the image directory in name order, sends the images to POST /process
in consecutive batches and writes a timestamped run directory with the request,
every raw response and an overall summary. With --labels the accepted set is
evaluated and accuracy, precision, recall and F1 are added to the summary.

Interrupting the run waits for the batch in flight and then stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := global.load(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			opts.apply(cmd, &cfg.Client)
			return runBatches(cmd, logger, cfg.Client, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "", "Scoring service host")
	f.IntVar(&opts.port, "port", 0, "Scoring service port")
	f.IntVar(&opts.totalImages, "total_images", 0, "Only send the first N images (-1 for all)")
	f.IntVar(&opts.batchSize, "batch_size", 0, "Images per request")
	f.StringVar(&opts.questionWeights, "question_weights", "", "Whitespace separated weight per question")
	f.Float64Var(&opts.threshold, "threshold", 0, "Acceptance threshold; strict mode when unset")
	f.StringVar(&opts.labels, "labels", "", "Label store (JSON or YAML) used to compute metrics")
	f.IntVar(&opts.subset, "subset", 0, "Evaluate against the first N labels in id order")
	f.StringVar(&opts.questionsFile, "questions-file", "", "YAML file with questions and expected_answers")
	f.StringVar(&opts.model, "model", "", "Model name; server default when empty")
	f.BoolVar(&opts.useConfidence, "use-confidence", false, "Scale scores by model confidence")
	f.BoolVar(&opts.normalizeWeights, "normalize-weights", false, "Normalize question weights to sum to 1")
	f.IntVar(&opts.generationBatchSize, "generation-batch-size", 0, "Images per model call on the server")
	f.StringVar(&opts.imageDir, "image-dir", "", "Directory of images to send")
	f.StringVar(&opts.outputDir, "output-dir", "", "Directory that receives run directories")
	f.StringVar(&opts.token, "token", "", "Bearer token for the scoring service")
	return cmd
}

// apply overrides config values with flags the user actually set.
func (o *runOptions) apply(cmd *cobra.Command, c *config.ClientConfig) {
	f := cmd.Flags()
	if f.Changed("host") {
		c.Host = o.host
	}
	if f.Changed("port") {
		c.Port = o.port
	}
	if f.Changed("total_images") {
		c.TotalImages = o.totalImages
	}
	if f.Changed("batch_size") {
		c.BatchSize = o.batchSize
	}
	if f.Changed("image-dir") {
		c.ImageDir = o.imageDir
	}
	if f.Changed("output-dir") {
		c.OutputDir = o.outputDir
	}
	if f.Changed("token") {
		c.Token = o.token
	}
}

func (o *runOptions) requestConfig(cmd *cobra.Command) (client.RequestConfig, error) {
	qs, err := loadQuestionSet(o.questionsFile)
	if err != nil {
		return client.RequestConfig{}, err
	}
	req := client.RequestConfig{
		Questions:           qs.Questions,
		ExpectedAnswers:     qs.answerGroups(),
		Model:               o.model,
		NormalizeWeights:    o.normalizeWeights,
		GenerationBatchSize: o.generationBatchSize,
	}
	if o.questionWeights != "" {
		weights, err := wire.ParseWeights(o.questionWeights)
		if err != nil {
			return client.RequestConfig{}, fmt.Errorf("--question_weights: %w", err)
		}
		if len(weights) != len(req.Questions) {
			return client.RequestConfig{}, fmt.Errorf("--question_weights: %d weights for %d questions", len(weights), len(req.Questions))
		}
		req.Weights = weights
	}
	if cmd.Flags().Changed("threshold") {
		threshold := o.threshold
		req.Threshold = &threshold
	}
	if cmd.Flags().Changed("use-confidence") {
		useConfidence := o.useConfidence
		req.UseConfidence = &useConfidence
	}
	return req, nil
}

func bearerToken(c config.ClientConfig) (string, error) {
	if c.Token != "" || c.JWTSecret == "" {
		return c.Token, nil
	}
	return auth.IssueToken(c.JWTSecret, tokenSubject, "", c.Timeout+time.Hour)
}

func runBatches(cmd *cobra.Command, logger *zap.Logger, c config.ClientConfig, opts *runOptions) error {
	ctx := cmd.Context()

	if c.BatchSize <= 0 {
		return fmt.Errorf("--batch_size must be positive, got %d", c.BatchSize)
	}
	req, err := opts.requestConfig(cmd)
	if err != nil {
		return err
	}

	var labels evaluation.Labels
	if opts.labels != "" {
		if labels, err = evaluation.LoadLabels(opts.labels); err != nil {
			return err
		}
	}

	paths, err := client.ListImages(c.ImageDir, c.TotalImages)
	if err != nil {
		return err
	}
	token, err := bearerToken(c)
	if err != nil {
		return err
	}

	dir, err := artifacts.Create(c.OutputDir, time.Now())
	if err != nil {
		return err
	}
	if err := dir.WriteRequest(req); err != nil {
		return err
	}
	logger.Info("run started",
		zap.String("server", c.BaseURL()),
		zap.Int("images", len(paths)),
		zap.Int("batch_size", c.BatchSize),
		zap.String("run_dir", dir.Path),
	)

	transport := client.NewHTTPTransport(c.BaseURL(), token, c.Timeout)
	runner, err := client.NewRunner(transport, c.BatchSize, logger, client.WithSink(dir))
	if err != nil {
		return err
	}
	res, runErr := runner.Run(ctx, paths, req)

	var metrics *evaluation.Metrics
	var metricsErr error
	if labels != nil && runErr == nil {
		m, err := evaluation.Compute(res.AcceptedIDs(), labels, opts.subset)
		if err != nil {
			metricsErr = fmt.Errorf("metrics: %w", err)
			logger.Error("metrics not computed", zap.Error(err))
		} else {
			metrics = &m
		}
	}

	stats := artifacts.NewStats(res, metrics)
	if runErr != nil {
		stats.Error = runErr.Error()
	}
	if err := dir.WriteStats(stats); err != nil {
		return errors.Join(runErr, err)
	}

	if err := printStats(cmd, stats); err != nil {
		return err
	}
	if runErr != nil {
		logger.Error("run stopped early",
			zap.Int("completed_batches", res.Batches),
			zap.Int("accepted_so_far", len(res.AcceptedImages)),
			zap.Error(runErr),
		)
		return runErr
	}
	logger.Info("run finished",
		zap.Int("batches", res.Batches),
		zap.Int("accepted", len(res.AcceptedImages)),
		zap.String("run_dir", dir.Path),
	)
	return metricsErr
}

func printStats(cmd *cobra.Command, stats artifacts.Stats) error {
	summary := struct {
		ProcessTimeTaken float64             `json:"process_time_taken"`
		TotalTimeTaken   float64             `json:"total_time_taken"`
		Batches          int                 `json:"batches"`
		Accepted         int                 `json:"accepted"`
		Metrics          *evaluation.Metrics `json:"metrics,omitempty"`
	}{stats.ProcessTimeTaken, stats.TotalTimeTaken, stats.Batches, len(stats.AcceptedIDs), stats.Metrics}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
