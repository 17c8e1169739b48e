// mindlink drives a robot from a live brain-signal stream: it polls a signal
// source, scores each window (or consumes discrete detections), and dispatches
// a bounded movement whenever the score crosses the configured threshold. The
// process runs one session and exits; every exit path tears the sessions down.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mindlink-robotics/mindlink/internal/board"
	"github.com/mindlink-robotics/mindlink/internal/config"
	"github.com/mindlink-robotics/mindlink/internal/control"
	"github.com/mindlink-robotics/mindlink/internal/cortex"
	"github.com/mindlink-robotics/mindlink/internal/db"
	"github.com/mindlink-robotics/mindlink/internal/feature"
	"github.com/mindlink-robotics/mindlink/internal/go2"
	"github.com/mindlink-robotics/mindlink/internal/timeutil"
)

var (
	configPath = flag.String("config", "", "Path to JSON config file (defaults apply when omitted)")
	source     = flag.String("source", "board", "Signal source: board (windowed serial stream) or cortex (mental-command events)")
	devMode    = flag.Bool("dev", false, "Run in dev mode with a synthetic signal board")
	dbFile     = flag.String("db", "mindlink.db", "Path to the run audit database")
	envFile    = flag.String("env", "", "Path to a .env file with service credentials")
)

func main() {
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("failed to load env file: %v", err)
		}
	} else {
		// a .env beside the binary is optional
		_ = godotenv.Load()
	}

	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	audit, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("failed to open audit database: %v", err)
	}
	defer audit.Close()
	runLog := audit.NewRunLog()

	clock := timeutil.RealClock{}
	robot := go2.New(go2.Params{
		URL:        cfg.GetRobotURL(),
		AckTimeout: cfg.GetAckTimeout(),
		ModeSettle: cfg.GetModeSettle(),
	}, clock)

	opts := control.Options{
		Threshold:     cfg.GetThreshold(),
		WindowSize:    cfg.GetWindowSize(),
		PollInterval:  cfg.GetPollInterval(),
		MoveSpeed:     cfg.GetMoveSpeed(),
		MoveDuration:  cfg.GetMoveDuration(),
		MotionMode:    cfg.GetMotionMode(),
		TriggerAction: cfg.GetTriggerAction(),
		Clock:         clock,
		Recorder:      runLog,
	}

	var loop *control.Loop
	switch *source {
	case "board":
		params := board.Params{
			PortName:       cfg.GetSerialPort(),
			BaudRate:       cfg.GetBaudRate(),
			Channels:       cfg.GetChannels(),
			SamplingRateHz: cfg.GetSamplingRateHz(),
			BufferSamples:  cfg.GetBufferSamples(),
		}
		var b *board.Board
		if *devMode {
			b = board.NewWithOpener(params, board.SyntheticOpener(cfg.GetChannels(), cfg.GetSamplingRateHz()))
		} else {
			b = board.New(params)
		}
		extractor := feature.NewBandPower(cfg.GetSamplingRateHz(), cfg.GetWindowSize())
		loop, err = control.NewWindowedLoop(b, extractor, robot, opts)
	case "cortex":
		clientID, clientSecret, credErr := config.CortexCredentials()
		if credErr != nil {
			log.Fatalf("failed to load credentials: %v", credErr)
		}
		client := cortex.New(cortex.Params{
			URL:          cfg.GetCortexURL(),
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Profile:      cfg.GetCortexProfile(),
		})
		loop, err = control.NewEventLoop(client, robot, opts)
	default:
		log.Fatalf("unknown source %q (want board or cortex)", *source)
	}
	if err != nil {
		log.Fatalf("failed to build control loop: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting run %s (source=%s threshold=%.2f)", runLog.RunID(), *source, cfg.GetThreshold())
	if err := loop.Run(ctx); err != nil {
		log.Printf("run %s failed: %v", runLog.RunID(), err)
		os.Exit(1)
	}
	log.Printf("run %s finished in state %s", runLog.RunID(), loop.State())
}
