package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"postbot/internal/app"
	"postbot/internal/config"
	logx "postbot/pkg/logx"
)

var version = "dev"

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Value:  "./config.json",
		Usage:  "path to the config file (json or yaml); optional when the environment carries everything",
		EnvVar: "POSTBOT_CONFIG",
	},
	cli.StringFlag{
		Name:   "env",
		Value:  ".env",
		Usage:  "dotenv file with BOT_TOKEN, CHANNEL and SCHEDULE_TIMEZONE",
		EnvVar: "POSTBOT_ENV_FILE",
	},
}

func main() {
	a := cli.App{
		Name:      "postbot",
		HelpName:  "postbot",
		Usage:     "collects media posts over Telegram and publishes them to a channel on a schedule",
		UsageText: "postbot [global options] <command>",
		Version:   version,
		Flags:     globalFlags,
		Action:    run,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "start the bot (default)",
				Action: run,
			},
			{
				Name:    "queue",
				Aliases: []string{"q"},
				Usage:   "list pending posts in publish order",
				Action:  queue,
			},
			{
				Name:   "next-slot",
				Usage:  "print the slot a submission arriving now would get",
				Action: nextSlot,
			},
			{
				Name:   "check-config",
				Usage:  "validate the configuration and exit",
				Action: checkConfig,
			},
		},
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func configPaths(c *cli.Context) (string, string) {
	return c.GlobalString("config"), c.GlobalString("env")
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.NewConfigManager(configPaths(c)).Parse()
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bot, err := app.New(configPaths(c))
	if err != nil {
		return err
	}
	if err := bot.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = bot.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-bot.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer stopCancel()
	_ = bot.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return bot.Err()
	}
	return nil
}

func queue(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	posts, loc, err := app.LoadQueue(context.Background(), cfg, logx.Nop())
	if err != nil {
		return err
	}
	if len(posts) == 0 {
		fmt.Println("no pending posts")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLISH AT\tPHOTOS\tVIDEO\tGROUP\tTEXT")
	for _, p := range posts {
		fmt.Fprintf(w, "%s\t%d\t%t\t%s\t%s\n",
			p.PublishAt.In(loc).Format("2006-01-02 15:04"),
			len(p.Photos),
			p.HasVideo(),
			p.Group,
			preview(p.Text, 40),
		)
	}
	return w.Flush()
}

func nextSlot(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	alloc, err := app.PreviewNextSlot(context.Background(), cfg, time.Now(), logx.Nop())
	if err != nil {
		return err
	}
	fmt.Println(alloc.At.Format(time.RFC3339))
	switch {
	case alloc.Overflow:
		fmt.Println("window exhausted: the slot is the window end and may collide")
	case alloc.DaysAhead > 0:
		fmt.Printf("today's window is full; slot is %d day(s) ahead\n", alloc.DaysAhead)
	}
	return nil
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	target, _ := cfg.Telegram.Target()
	fmt.Printf("config ok: channel=%s timezone=%s window=%s-%s storage=%s\n",
		target, cfg.Schedule.Timezone, cfg.Schedule.WindowStart, cfg.Schedule.WindowEnd, cfg.Storage.Driver)
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
