package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/serebryakov7/canfuzz/internal/campaign"
	"github.com/serebryakov7/canfuzz/internal/config"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/pkg/storage"
)

// Код выхода при недопустимой конфигурации.
const exitConfig = 2

func main() {
	app := &cli.App{
		Name:     "canfuzz",
		Usage:    "перебор CAN-кадров с привязкой визуальных изменений на камере",
		Compiled: time.Now(),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "запустить кампанию фаззинга",
				Flags:  runFlags(),
				Action: runAction,
			},
			{
				Name:  "evidence",
				Usage: "показать кадры, вызывавшие изменения",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "db",
						Value:   storage.DefaultPath,
						Usage:   "файл базы доказательств",
						EnvVars: []string{"CANFUZZ_DB"},
					},
				},
				Action: evidenceAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Get().Fatal().Err(err).Msg("ошибка запуска")
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	if c.Bool("interactive") {
		if err := config.Prompt(os.Stdin, os.Stdout, &cfg); err != nil {
			return cli.Exit(fmt.Sprintf("интерактивная настройка: %v", err), exitConfig)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	session := uuid.NewString()
	logger.Init(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Fields: map[string]string{"session": session},
	})
	log := logger.Named("main")

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := campaign.Build(ctx, cfg, session)
	if err != nil {
		var cerr *config.Error
		if errors.As(err, &cerr) {
			return cli.Exit(err.Error(), exitConfig)
		}
		return err
	}
	defer rt.Close()

	log.Info().Str("mode", cfg.Mode).Str("bus", cfg.Bus.Kind).Str("camera", cfg.Camera.Kind).
		Bool("record", cfg.Record).Msg("запуск кампании, Ctrl+C для остановки")

	res, err := rt.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(res)
	return nil
}

func printSummary(res campaign.Result) {
	state := "остановлена"
	if res.Completed {
		state = "завершена"
	}
	pterm.DefaultSection.Println("Кампания " + state)
	pterm.Info.Printfln("отправлено кадров: %d (ошибок: %d), принято: %d", res.Sent, res.SendErrors, res.Received)
	pterm.Info.Printfln("кадров камеры: %d, срабатываний: %d", res.Frames, res.Triggers)
	if res.StopReason != "" {
		pterm.Warning.Printfln("причина остановки: %s", res.StopReason)
	}
	if !res.Completed && res.LastOK {
		pterm.Info.Printfln("последняя позиция %s, продолжение: canfuzz run --resume", res.Last)
	}
}

func evidenceAction(c *cli.Context) error {
	path := c.String("db")
	if _, err := os.Stat(path); err != nil {
		return cli.Exit(fmt.Sprintf("база %s недоступна: %v", path, err), 1)
	}
	db, err := storage.OpenDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	entries, err := storage.Triggers(db)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		pterm.Info.Println("срабатываний нет")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(triggerTable(entries)).Render()
}

func triggerTable(entries []storage.TriggerEntry) pterm.TableData {
	data := pterm.TableData{{"Кадр", "Срабатываний", "Первое", "Последнее"}}
	for _, e := range entries {
		data = append(data, []string{
			e.Frame.String(),
			fmt.Sprint(e.Count),
			e.First.Local().Format(time.DateTime),
			e.Last.Local().Format(time.DateTime),
		})
	}
	return data
}
