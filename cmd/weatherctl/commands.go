package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache/internal/app"
	"github.com/kjstillabower/weather-cache/internal/cache"
	"github.com/kjstillabower/weather-cache/internal/config"
	"github.com/kjstillabower/weather-cache/internal/models"
	"github.com/kjstillabower/weather-cache/internal/observability"
	"github.com/kjstillabower/weather-cache/internal/service"
	"github.com/kjstillabower/weather-cache/internal/validation"
)

// serviceOpener builds the weather service. The returned func releases it.
type serviceOpener func(ctx context.Context, verbose bool) (*service.WeatherService, func(), error)

// openService wires the service from the environment's configuration. Logs are
// discarded unless verbose is set.
func openService(ctx context.Context, verbose bool) (*service.WeatherService, func(), error) {
	logger := zap.NewNop()
	if verbose {
		l, err := observability.NewLogger()
		if err != nil {
			return nil, nil, fmt.Errorf("logger: %w", err)
		}
		logger = l
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	svc, tc, err := app.NewService(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, func() {
		_ = tc.Close()
		_ = logger.Sync()
	}, nil
}

func newApp(out io.Writer, open serviceOpener) *cli.Command {
	return &cli.Command{
		Name:  "weatherctl",
		Usage: "Open-Meteo weather through the tiered cache",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "write service logs to stderr",
			},
		},
		Commands: []*cli.Command{
			seriesCommand(out, open, models.CategoryForecast, "hourly forecast for the next days"),
			seriesCommand(out, open, models.CategoryHistorical, "hourly series for the past days"),
			searchCommand(out, open),
			nearestCommand(out, open),
			keyCommand(out),
		},
	}
}

// Flag constructors return fresh values: cli flags keep parse state.
func latFlag() *cli.FloatFlag {
	return &cli.FloatFlag{Name: "lat", Usage: "latitude in degrees", Required: true}
}

func lonFlag() *cli.FloatFlag {
	return &cli.FloatFlag{Name: "lon", Usage: "longitude in degrees", Required: true}
}

func daysFlag() *cli.IntFlag {
	return &cli.IntFlag{Name: "days", Aliases: []string{"d"}, Usage: "horizon in days", Value: validation.DefaultDays}
}

func jsonFlag() *cli.BoolFlag {
	return &cli.BoolFlag{Name: "json", Usage: "print the raw JSON document"}
}

// queryValues renders flag values the way the HTTP API receives them, so both share
// one validation path.
func queryValues(cmd *cli.Command, withDays bool) url.Values {
	v := url.Values{}
	v.Set("lat", strconv.FormatFloat(cmd.Float("lat"), 'f', -1, 64))
	v.Set("lon", strconv.FormatFloat(cmd.Float("lon"), 'f', -1, 64))
	if withDays {
		v.Set("days", strconv.Itoa(cmd.Int("days")))
	}
	return v
}

func seriesCommand(out io.Writer, open serviceOpener, category models.Category, usage string) *cli.Command {
	return &cli.Command{
		Name:      string(category),
		Usage:     usage,
		UsageText: "weatherctl " + string(category) + " --lat LAT --lon LON [--days N]",
		Flags: []cli.Flag{
			latFlag(),
			lonFlag(),
			daysFlag(),
			jsonFlag(),
			&cli.IntFlag{Name: "hours", Usage: "rows to print, 0 for all", Value: 24},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			q, err := validation.ParseWeatherQuery(category, queryValues(cmd, true))
			if err != nil {
				return err
			}
			svc, release, err := open(ctx, cmd.Bool("verbose"))
			if err != nil {
				return err
			}
			defer release()

			loc := models.Location{Latitude: q.Latitude, Longitude: q.Longitude}
			data, err := svc.GetWeather(ctx, q.Category, loc, q.Days)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return writeJSON(out, data)
			}
			return printSeries(out, data, cmd.Int("hours"), svc.CacheRemoteAvailable())
		},
	}
}

func searchCommand(out io.Writer, open serviceOpener) *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "find places by name",
		UsageText: "weatherctl search NAME",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			name, err := validation.ValidateLocation(strings.Join(cmd.Args().Slice(), " "), validation.MinLocationLen, validation.MaxLocationLen)
			if err != nil {
				return err
			}
			svc, release, err := open(ctx, cmd.Bool("verbose"))
			if err != nil {
				return err
			}
			defer release()

			locations, err := svc.SearchLocations(ctx, name)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return writeJSON(out, locations)
			}
			return printLocations(out, locations)
		},
	}
}

func nearestCommand(out io.Writer, open serviceOpener) *cli.Command {
	return &cli.Command{
		Name:      "nearest",
		Usage:     "reverse geocode coordinates",
		UsageText: "weatherctl nearest --lat LAT --lon LON",
		Flags:     []cli.Flag{latFlag(), lonFlag(), jsonFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			q, err := validation.ParseCoordinates(queryValues(cmd, false))
			if err != nil {
				return err
			}
			svc, release, err := open(ctx, cmd.Bool("verbose"))
			if err != nil {
				return err
			}
			defer release()

			loc, err := svc.NearestLocation(ctx, q.Latitude, q.Longitude)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				return writeJSON(out, loc)
			}
			return printLocations(out, []models.Location{loc})
		},
	}
}

func keyCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "key",
		Usage:     "print the cache key of a query",
		UsageText: "weatherctl key --category forecast --lat LAT --lon LON --days N",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "forecast or historical", Value: string(models.CategoryForecast)},
			latFlag(),
			lonFlag(),
			daysFlag(),
			&cli.StringFlag{Name: "prefix", Usage: "remote key prefix", Value: cache.DefaultKeyPrefix},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			category, err := models.ParseCategory(cmd.String("category"))
			if err != nil {
				return err
			}
			q, err := validation.ParseWeatherQuery(category, queryValues(cmd, true))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, cmd.String("prefix")+cache.Fingerprint(q.Category, q.Latitude, q.Longitude, q.Days))
			return err
		},
	}
}

func writeJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
