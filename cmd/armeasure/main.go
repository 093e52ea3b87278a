package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fitform/armeasure/internal/app"
	"github.com/fitform/armeasure/internal/config"
	"github.com/fitform/armeasure/internal/logging"
	"github.com/fitform/armeasure/internal/submit"
	"github.com/joho/godotenv"
)

var (
	listen       = flag.String("listen", envOr("ARMEASURE_LISTEN", ":8080"), "HTTP listen address")
	dbPath       = flag.String("db", envOr("ARMEASURE_DB", ""), "Path to the SQLite database (default ~/.armeasure/armeasure.db)")
	platformName = flag.String("platform", envOr("ARMEASURE_PLATFORM", app.PlatformARCore), "Primary body tracking: arcore, arkit or mock")
	fallback     = flag.Bool("fallback", envBool("ARMEASURE_FALLBACK", false), "Enable camera pose-estimation fallback")
	cameraID     = flag.Int("camera", envInt("ARMEASURE_CAMERA_ID", 0), "Camera device for the pose-estimation fallback")
	modelPath    = flag.String("model", envOr("ARMEASURE_MODEL", ""), "Pose-estimation model file")
	configFile   = flag.String("config", envOr("ARMEASURE_CONFIG", ""), "JSON configuration overrides")
	backendURL   = flag.String("backend", envOr("ARMEASURE_BACKEND_URL", ""), "Measurement history backend base URL")
	backendToken = flag.String("backend-token", envOr("ARMEASURE_BACKEND_TOKEN", ""), "Bearer token for the backend")
	webDir       = flag.String("web", envOr("ARMEASURE_WEB_DIR", ""), "Static files to serve (default: search for ./web)")
)

func main() {
	// .env is optional; the process environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading .env file: %v", err)
	}
	flag.Parse()

	cfg, err := config.ApplyEnv(config.Default(), os.LookupEnv)
	if err != nil {
		log.Fatalf("Invalid environment configuration: %v", err)
	}
	if *configFile != "" {
		cfg, err = config.LoadFile(cfg, *configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	logger, err := logging.New(logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	path := *dbPath
	if path == "" {
		path, err = defaultDBPath()
		if err != nil {
			logger.Fatalf("Failed to prepare data directory: %v", err)
		}
	}

	staticDir := *webDir
	if staticDir == "" {
		staticDir = findWebDir()
	}
	if staticDir != "" {
		logger.Infof("Serving static files from: %s", staticDir)
	}

	a, err := app.New(app.Config{
		AR:        cfg,
		DBPath:    path,
		Platform:  *platformName,
		Fallback:  *fallback,
		CameraID:  *cameraID,
		ModelPath: *modelPath,
		Backend: submit.Config{
			BaseURL: *backendURL,
			Token:   *backendToken,
		},
		StaticDir: staticDir,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("Failed to initialize: %v", err)
	}

	if err := a.Start(); err != nil {
		logger.Fatalf("Failed to start: %v", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.ListenAndServe(*listen)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received %s, shutting down", sig)
	case err := <-serveErr:
		if err != nil {
			logger.Errorf("Server failed: %v", err)
		}
	}

	a.Stop()
}

func defaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".armeasure")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "armeasure.db"), nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.armeasure/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".armeasure", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
