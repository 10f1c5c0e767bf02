// Command replay-timeline runs a recorded fix file through the sample
// filter and the stop/move segmenter and prints the resulting timeline and
// distance. It is the offline counterpart of the tracking worker, useful for
// tuning thresholds against real recordings.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/fieldtrack/internal/config"
	"github.com/banshee-data/fieldtrack/internal/fsutil"
	"github.com/banshee-data/fieldtrack/internal/location"
	"github.com/banshee-data/fieldtrack/internal/timeline"
	"github.com/banshee-data/fieldtrack/internal/tracking"
	"github.com/banshee-data/fieldtrack/internal/units"
)

type report struct {
	Fixes      int                           `json:"fixes"`
	Accepted   int                           `json:"accepted"`
	Queued     int                           `json:"queued"`
	Rejected   map[tracking.RejectReason]int `json:"rejected"`
	DistanceKm float64                       `json:"distance_km"`
	Events     []timeline.Event              `json:"events"`
	Error      string                        `json:"validation_error,omitempty"`
}

// replay feeds fixes through a fresh filter and segmenter the same way the
// worker does: the first fix is the origin, the session ends at the last
// accepted fix.
func replay(fixes []tracking.RawFix, fcfg tracking.FilterConfig, tcfg timeline.Config) report {
	r := report{Fixes: len(fixes), Rejected: map[tracking.RejectReason]int{}}
	if len(fixes) == 0 {
		return r
	}

	filter := tracking.NewFilter(fcfg, tracking.FilterState{})
	acc := tracking.NewAccumulator(0)
	seg := timeline.NewSegmenter(tcfg)
	events := timeline.NewLog()

	events.Apply(seg.Begin("replay", "replay", fixes[0])...)
	last := fixes[0]
	for _, fix := range fixes {
		res := filter.Accept(fix)
		if !res.Accepted {
			r.Rejected[res.Reason]++
			continue
		}
		r.Accepted++
		if res.Forward {
			r.Queued++
		}
		last = res.Fix
		acc.Add(res.DeltaM)
		events.Apply(seg.Observe(res)...)
	}
	events.Apply(seg.End(last)...)

	r.DistanceKm = acc.TotalKm()
	r.Events = events.Events()
	if err := timeline.Validate(r.Events); err != nil {
		r.Error = err.Error()
	}
	return r
}

func printReport(w io.Writer, r report, speedUnits string) {
	fmt.Fprintf(w, "fixes: %d  accepted: %d  queued: %d  distance: %.3f km\n",
		r.Fixes, r.Accepted, r.Queued, r.DistanceKm)
	if len(r.Rejected) > 0 {
		reasons := make([]string, 0, len(r.Rejected))
		for reason := range r.Rejected {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		fmt.Fprint(w, "rejected:")
		for _, reason := range reasons {
			fmt.Fprintf(w, " %s=%d", reason, r.Rejected[tracking.RejectReason(reason)])
		}
		fmt.Fprintln(w)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSTART\tEND\tDURATION\tKM\tAVG SPEED\tPOINTS\tPOSITION")
	for _, e := range r.Events {
		d := e.Duration()
		speed := "-"
		if e.Type == timeline.EventMove && d > 0 {
			mps := e.DistanceKm * 1000 / d.Seconds()
			speed = fmt.Sprintf("%.1f %s", units.ConvertSpeed(mps, speedUnits), speedUnits)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.3f\t%s\t%d\t%.5f,%.5f\n",
			e.Type, e.StartTime.Format("15:04:05"), e.EndTime.Format("15:04:05"),
			d.Round(time.Second), e.DistanceKm, speed, e.PointCount, e.Latitude, e.Longitude)
	}
	tw.Flush()

	if r.Error != "" {
		fmt.Fprintf(w, "timeline invalid: %s\n", r.Error)
	}
}

func main() {
	configFile := flag.String("config", "", "Tracking config file (.json/.yaml); defaults plus env overrides when empty")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	speedUnits := flag.String("units", units.KPH, "Speed units for the table")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: replay-timeline [flags] <fixes.jsonl>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	if !units.IsValid(*speedUnits) {
		log.Fatalf("invalid units %q; use one of %v", *speedUnits, units.ValidUnits)
	}

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
		log.Fatalf("failed to load config: %v", err)
	}

	fixes, err := location.LoadFixes(fsutil.OSFileSystem{}, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}

	r := replay(fixes, tracking.FilterConfigFromTracking(cfg), timeline.ConfigFromTracking(cfg))
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			log.Fatal(err)
		}
		return
	}
	printReport(os.Stdout, r, *speedUnits)
}
