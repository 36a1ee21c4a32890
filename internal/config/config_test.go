package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/vqa-verify/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Server.Addr, convey.ShouldEqual, ":2503")
			convey.So(cfg.Server.DefaultModel, convey.ShouldEqual, "blip-vqa-capfilt-large")
			convey.So(cfg.Server.DeviceIDs, convey.ShouldResemble, []int{0, 1, 2, 3})
			convey.So(cfg.Client.BatchSize, convey.ShouldEqual, 100)
			convey.So(cfg.Client.TotalImages, convey.ShouldEqual, -1)
			convey.So(cfg.Client.BaseURL(), convey.ShouldEqual, "http://localhost:2503")
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given a config with a zero batch size", t, func() {
		cfg := config.New()
		cfg.Client.BatchSize = 0

		convey.Convey("Then validation fails with ErrInvalidConfig", func() {
			err := cfg.Validate()
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})

	convey.Convey("Given a config with an empty listen address", t, func() {
		cfg := config.New()
		cfg.Server.Addr = ""

		convey.Convey("Then validation fails with ErrInvalidConfig", func() {
			convey.So(errors.Is(cfg.Validate(), config.ErrInvalidConfig), convey.ShouldBeTrue)
		})
	})
}

func TestConfig_LoadFrom(t *testing.T) {
	convey.Convey("Given a YAML file and env overrides", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "vqa.yaml")
		content := []byte("server:\n  addr: \":9000\"\n  shutdown_timeout: 5s\nclient:\n  batch_size: 25\n")
		convey.So(os.WriteFile(path, content, 0o600), convey.ShouldBeNil)
		t.Setenv("VQA_CLIENT__HOST", "scorer.internal")
		t.Setenv("VQA_SERVER__REDIS_ADDR", "redis:6379")

		cfg, err := config.LoadFrom(context.Background(), path)

		convey.Convey("Then file values override defaults and env overrides the file", func() {
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Server.Addr, convey.ShouldEqual, ":9000")
			convey.So(cfg.Server.ShutdownTimeout, convey.ShouldEqual, 5*time.Second)
			convey.So(cfg.Server.RedisAddr, convey.ShouldEqual, "redis:6379")
			convey.So(cfg.Client.BatchSize, convey.ShouldEqual, 25)
			convey.So(cfg.Client.Host, convey.ShouldEqual, "scorer.internal")
			convey.So(cfg.Client.Port, convey.ShouldEqual, 2503)
		})
	})

	convey.Convey("Given a missing config file", t, func() {
		_, err := config.LoadFrom(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))

		convey.Convey("Then loading fails with ErrLoadConfig", func() {
			convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
		})
	})
}
