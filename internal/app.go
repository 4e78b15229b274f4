package internal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/dushixiang/lumen/internal/config"
	"github.com/dushixiang/lumen/internal/handler"
	"github.com/dushixiang/lumen/internal/models"
	"github.com/dushixiang/lumen/internal/service"
	"github.com/dushixiang/lumen/internal/telegram"
	"github.com/dushixiang/lumen/pkg/nostd"
)

func Run(configPath string) error {
	app := NewLumenApp()

	framework, err := orz.NewFramework(
		orz.WithConfig(configPath),
		orz.WithLoggerFromConfig(),
		orz.WithDatabase(),
		orz.WithHTTP(),
		orz.WithApplication(app),
	)
	if err != nil {
		return err
	}

	return framework.Run()
}

func NewLumenApp() orz.Application {
	return &LumenApp{}
}

var _ orz.Application = (*LumenApp)(nil)

type AppComponents struct {
	TradingHandler *handler.TradingHandler

	TradeLoop        *service.TradeLoop
	MarketService    *service.MarketService
	ReconcileService *service.ReconcileService
	RiskService      *service.RiskService
	MetricsService   *service.MetricsService

	tg *telegram.Telegram
}

type LumenApp struct {
	components *AppComponents
	conf       *config.Config
}

// GetComponents 获取应用组件
func (r *LumenApp) GetComponents() *AppComponents {
	return r.components
}

func (r *LumenApp) Configure(app *orz.App) error {
	logger := app.Logger()
	e := app.GetEcho()
	db := app.GetDatabase()

	var conf config.Config
	err := app.GetConfig().App.Unmarshal(&conf)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}

	components, err := InitializeApp(logger, db, &conf)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %v", err)
	}
	r.components = components
	r.conf = &conf

	if err := db.AutoMigrate(
		models.Trade{}, models.SignalLog{},
	); err != nil {
		logger.Fatal("database auto migrate failed", zap.Error(err))
	}

	if err := r.Init(logger); err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.Gzip())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:      middleware.DefaultSkipper,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			sugar := logger.Sugar()
			sugar.Error(fmt.Sprintf("[PANIC RECOVER] %v %s\n", err, stack))
			return err
		},
	}))
	e.Use(WithErrorHandler(logger))
	customValidator := nostd.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		logger.Sugar().Fatal("failed to init custom validator", zap.Error(err))
	}
	e.Validator = &customValidator

	api := e.Group("/api")
	{
		if r.components.TradingHandler != nil {
			r.components.TradingHandler.RegisterRoutes(api)
		}
	}

	return nil
}

func (r *LumenApp) Init(logger *zap.Logger) error {
	logger.Info("=================================================")
	logger.Info("Lumen Trading System Starting...")
	logger.Info("=================================================")

	components := r.GetComponents()
	if components == nil {
		return fmt.Errorf("components not initialized")
	}

	if components.TradeLoop == nil {
		return fmt.Errorf("trade loop not available, please check exchange configuration")
	}

	if !r.conf.Trading.Enabled {
		logger.Warn("live trading disabled, running in paper wallet mode")
	}

	logger.Info("trade loop initialized, starting...")

	go func() {
		if err := components.TradeLoop.Start(context.Background()); err != nil {
			logger.Error("trade loop error", zap.Error(err))
		}
	}()
	return nil
}
