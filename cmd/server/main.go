package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Brownie44l1/plant-disease-api/internal/config"
	"github.com/Brownie44l1/plant-disease-api/internal/handlers"
	"github.com/Brownie44l1/plant-disease-api/internal/logger"
	"github.com/Brownie44l1/plant-disease-api/internal/metrics"
	"github.com/Brownie44l1/plant-disease-api/internal/model"
	"github.com/Brownie44l1/plant-disease-api/internal/modelsync"
	"github.com/Brownie44l1/plant-disease-api/internal/preprocess"
	"github.com/Brownie44l1/plant-disease-api/internal/server"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:          "server",
	Short:        "Serve the plant leaf disease classifier over HTTP",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	config.SetDefaults(v)

	flags := rootCmd.Flags()
	flags.String("config-file", "", "Path to the config file")
	flags.String("env-file", "", "Path to the env file")
	flags.String("host", "0.0.0.0", "Host to listen on")
	flags.Int("port", 8080, "Port to listen on")
	flags.String("environment", config.EnvDev, "Environment: dev, prod or test")
	flags.String("models-dir", "models", "Directory holding the model and class index")
	flags.String("onnxruntime-lib", "", "Path to the onnxruntime shared library")

	v.BindPFlag("config_file", flags.Lookup("config-file"))
	v.BindPFlag("env_file", flags.Lookup("env-file"))
	v.BindPFlag("host", flags.Lookup("host"))
	v.BindPFlag("port", flags.Lookup("port"))
	v.BindPFlag("environment", flags.Lookup("environment"))
	v.BindPFlag("models_dir", flags.Lookup("models-dir"))
	v.BindPFlag("model.onnxruntime_lib", flags.Lookup("onnxruntime-lib"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Environment)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelsDir, err := resolveModelsDir(cfg.ModelsDir)
	if err != nil {
		return err
	}

	if cfg.S3.Enabled() {
		if err := syncModels(ctx, cfg, modelsDir, log); err != nil {
			return err
		}
	}

	pre, err := preprocess.New(cfg.Preprocess.ImageSize, cfg.Preprocess.Normalization,
		preprocess.WithMaxPixels(cfg.Preprocess.MaxPixels))
	if err != nil {
		return err
	}

	artifact, err := model.Load(model.LoadOptions{
		ModelsDir:      modelsDir,
		PrimaryModel:   cfg.Model.Primary,
		FallbackModel:  cfg.Model.Fallback,
		ClassIndexFile: cfg.Model.ClassIndex,
	}, model.ONNXOpener(model.ONNXOptions{
		SharedLibraryPath: cfg.Model.OnnxRuntimeLib,
		InputName:         cfg.Model.InputName,
		OutputName:        cfg.Model.OutputName,
		ImageSize:         cfg.Preprocess.ImageSize,
	}), log)
	if err != nil {
		return err
	}
	defer artifact.Close()

	m := metrics.New()
	h := handlers.NewHandler(model.NewPredictor(artifact, pre), log,
		handlers.WithMetrics(m),
		handlers.WithMaxUploadBytes(cfg.MaxUploadBytes),
	)

	srv := server.NewServer(cfg, log, m)
	srv.SetupRoutes(h)

	log.Info("classifier ready",
		zap.String("model", artifact.ModelPath),
		zap.Int("classes", len(artifact.Classes)),
		zap.Int("image_size", pre.Size()),
		zap.String("normalization", string(pre.Normalization())),
	)

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	return <-errc
}

func syncModels(ctx context.Context, cfg *config.Config, dir string, log *zap.Logger) error {
	syncer, err := modelsync.New(ctx, cfg.S3, log)
	if err != nil {
		return err
	}

	_, err = syncer.Sync(ctx, dir, cfg.Model.Primary, cfg.Model.Fallback, cfg.Model.ClassIndex)
	return err
}

// resolveModelsDir makes a relative models dir relative to the project
// root, which is two levels up when started from cmd/server.
func resolveModelsDir(dir string) (string, error) {
	if filepath.IsAbs(dir) {
		return dir, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	return filepath.Join(projectRoot(wd), dir), nil
}

func projectRoot(wd string) string {
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Dir(filepath.Dir(wd))
	}
	return wd
}
