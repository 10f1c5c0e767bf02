package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/db"
	"github.com/banshee-data/fieldtrack/internal/serialmux"
	"github.com/banshee-data/fieldtrack/internal/units"
	"github.com/banshee-data/fieldtrack/internal/version"
)

var (
	listen        = flag.String("listen", "", "HTTP listen address (overrides FIELDTRACK_LISTEN)")
	grpcListen    = flag.String("grpc-listen", "", "gRPC listen address for the state feed (overrides FIELDTRACK_GRPC_LISTEN)")
	dbPath        = flag.String("db-path", "", "SQLite database path (overrides FIELDTRACK_DB_PATH)")
	employeeID    = flag.String("employee", "", "Employee ID to track (overrides FIELDTRACK_EMPLOYEE_ID)")
	configFile    = flag.String("config", "", "Tracking config file (.json/.yaml); built-in defaults plus env overrides when empty")
	sourceKind    = flag.String("source", sourceNMEA, "Location source: nmea or replay")
	port          = flag.String("port", "/dev/ttyUSB0", "Serial port of the GPS receiver (nmea source)")
	baudRate      = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate (nmea source)")
	replayFile    = flag.String("replay", "", "JSON lines fix file (replay source)")
	replaySpeedup = flag.Float64("replay-speedup", 1, "Replay speed multiplier; 0 plays without pauses")
	speedUnits    = flag.String("units", units.KPH, "Speed units for reports and exports")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func printUsage() {
	fmt.Fprintf(flag.CommandLine.Output(), `fieldtrack - work session GPS tracking daemon

Usage:
  fieldtrack [flags]                 run the daemon
  fieldtrack [flags] migrate <cmd>   manage the local database schema

Flags:
`)
	flag.PrintDefaults()
}

// runtimeConfig reads FIELDTRACK_* settings and applies flag overrides.
func runtimeConfig() (config.RuntimeConfig, error) {
	rt, err := config.LoadRuntime()
	if err != nil {
		return rt, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{*listen, &rt.Listen},
		{*grpcListen, &rt.GRPCListen},
		{*dbPath, &rt.DBPath},
		{*employeeID, &rt.EmployeeID},
	}
	for _, o := range overrides {
		if o.flag != "" {
			*o.dst = o.flag
		}
	}
	if err := rt.Validate(); err != nil {
		return rt, fmt.Errorf("invalid runtime config: %w", err)
	}
	return rt, nil
}

func trackingConfig() (*config.TrackingConfig, error) {
	var (
		cfg *config.TrackingConfig
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadTrackingConfig(*configFile)
	} else {
		cfg, err = config.LoadTrackingConfigFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tracking config: %w", err)
	}
	return cfg, nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	rt, err := runtimeConfig()
	if err != nil {
		log.Fatal(err)
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if err := db.RunMigrateCommand(flag.Args()[1:], rt.DBPath, os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", flag.Arg(0))
			printUsage()
			os.Exit(2)
		}
	}

	if rt.EmployeeID == "" {
		log.Fatal("an employee ID is required (-employee or FIELDTRACK_EMPLOYEE_ID)")
	}
	cfg, err := trackingConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("starting %s", version.String())
	if err := run(ctx, rt, cfg, sourceOptions{
		kind:     *sourceKind,
		port:     *port,
		baudRate: *baudRate,
		replay:   *replayFile,
		speedup:  *replaySpeedup,
	}, *speedUnits); err != nil {
		log.Fatal(err)
	}
	log.Print("graceful shutdown complete")
}
