// cmd/main.go

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"AveCache/pkg/gateway"
	"AveCache/pkg/sched"
	"AveCache/pkg/store"
	"AveCache/pkg/utils"
	"AveCache/pkg/version"

	"github.com/google/gops/agent"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var logger = utils.GetLogger("avecache")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.BoolFlag{
			Name:  "trace",
			Usage: "enable trace log",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "path of log file",
		},
		&cli.BoolFlag{
			Name:  "no-agent",
			Usage: "disable gops agent",
		},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:                 "avecache",
		Usage:                "A local persistent cache for dialog records.",
		Version:              version.Version(),
		EnableBashCompletion: true,
		Flags:                globalFlags(),
		Commands: []*cli.Command{
			formatFlags(),
			statusFlags(),
			dropFlags(),
			putFlags(),
			getFlags(),
			deleteFlags(),
			expiringFlags(),
			historyFlags(),
			dumpFlags(),
			bitmaskFlags(),
		},
	}
}

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name: "version", Aliases: []string{"V"},
		Usage: "print only the version",
	}
	err := newApp().Run(os.Args)
	if err != nil {
		logger.Fatal(err)
	}
}

var agentOnce sync.Once

func setLoggerLevel(c *cli.Context) {
	if c.Bool("trace") {
		utils.SetLogLevel(logrus.TraceLevel)
	} else if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if p := c.String("log"); p != "" {
		if err := utils.SetOutFile(p); err != nil {
			logger.Fatalf("open log file %s: %s", p, err)
		}
	}
	logger.Debugf("%s: %s", version.UserAgent(), c.Command.Name)
	if !c.Bool("no-agent") {
		agentOnce.Do(func() {
			if err := agent.Listen(agent.Options{}); err != nil {
				logger.Debugf("start gops agent: %s", err)
			}
		})
	}
}

// openStore connects to the store named by the first argument.
func openStore(c *cli.Context, readOnly bool) store.Store {
	if c.Args().Len() < 1 {
		logger.Fatalf("META-URL is needed")
	}
	st, err := store.NewClient(c.Args().Get(0), &store.Config{
		Retries:    10,
		ReadOnly:   readOnly,
		Passphrase: os.Getenv("AVECACHE_PASSPHRASE"),
	})
	if err != nil {
		logger.Fatalf("open store: %s", err)
	}
	return st
}

// openGateway opens a formatted store behind a gateway. Promises are resolved on
// a second worker so the store worker only does I/O.
func openGateway(c *cli.Context, readOnly bool) (*gateway.Gateway, func()) {
	st := openStore(c, readOnly)
	v, err := st.Version(context.Background())
	if err != nil {
		logger.Fatalf("schema version: %s", err)
	}
	if v != store.CurrentVersion {
		logger.Fatalf("store schema is at version %d, run format to initialize it", v)
	}
	s := sched.NewScheduler("avecache", 2)
	g := gateway.New(st, s.Worker(0), &gateway.Options{Callbacks: s.Worker(1)})
	return g, func() {
		p, wait := gateway.Wait[gateway.Unit]()
		g.Close(p)
		if _, err := wait(); err != nil {
			logger.Errorf("close store: %s", err)
		}
		s.Stop()
	}
}

func parseKey(dialog, item string) store.RecordKey {
	d, err := strconv.ParseInt(dialog, 10, 64)
	if err != nil {
		logger.Fatalf("invalid dialog %q: %s", dialog, err)
	}
	i, err := strconv.ParseInt(item, 10, 32)
	if err != nil {
		logger.Fatalf("invalid item %q: %s", item, err)
	}
	return store.RecordKey{Dialog: store.DialogID(d), Item: store.ItemID(i)}
}

func printPayloads(payloads [][]byte) {
	for _, p := range payloads {
		fmt.Println(string(p))
	}
}
