package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/lipgloss/v2/table"
	"github.com/dustin/go-humanize"

	"github.com/kjstillabower/weather-cache/internal/models"
)

// cellStyle carries no colours so piped output stays plain text.
var cellStyle = lipgloss.NewStyle()

// newTable returns a borderless table with headers and rows. Columns after the first
// get one cell of left padding on top of the hidden border.
func newTable(headers []string, rows [][]string) *table.Table {
	t := table.New().
		BorderBottom(false).
		BorderTop(false).
		BorderLeft(false).
		BorderRight(false).
		Border(lipgloss.HiddenBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col > 0 {
				return cellStyle.PaddingLeft(1)
			}
			return cellStyle
		}).
		Headers().
		Rows(rows...)
	return t.Headers(headers...).BorderHeader(false)
}

// printSeries writes a summary and the first hours rows of data. hours <= 0 prints all.
func printSeries(out io.Writer, data models.WeatherData, hours int, remoteCache bool) error {
	tier := "local"
	if remoteCache {
		tier = "remote"
	}
	fmt.Fprintf(out, "Location  %.4f, %.4f (%s, %s m)\n",
		data.Location.Latitude, data.Location.Longitude, data.Timezone, humanize.Commaf(data.Elevation))
	fmt.Fprintf(out, "Series    %s, %s hours\n", data.DataType, humanize.Comma(int64(len(data.TimeSeries))))
	fmt.Fprintf(out, "Cache     %s\n\n", tier)

	entries := data.TimeSeries
	if hours > 0 && hours < len(entries) {
		entries = entries[:hours]
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Time.Format("2006-01-02 15:04"),
			value(e.Temperature2m),
			value(e.WindSpeed),
			value(e.SoilTemperature),
			value(e.Rain),
			value(e.SurfacePressure),
		})
	}
	t := newTable([]string{"TIME", "TEMP °C", "WIND km/h", "SOIL °C", "RAIN mm", "PRESSURE hPa"}, rows)
	if _, err := fmt.Fprintln(out, t); err != nil {
		return err
	}
	if len(entries) < len(data.TimeSeries) {
		fmt.Fprintf(out, "... %s more\n", humanize.Comma(int64(len(data.TimeSeries)-len(entries))))
	}
	return nil
}

// value renders a measurement with one decimal and thousands separators; gaps print as "-".
func value(v *float64) string {
	if v == nil {
		return "-"
	}
	return humanize.CommafWithDigits(*v, 1)
}

func printLocations(out io.Writer, locations []models.Location) error {
	if len(locations) == 0 {
		_, err := fmt.Fprintln(out, "no locations found")
		return err
	}
	rows := make([][]string, 0, len(locations))
	for i, l := range locations {
		rows = append(rows, []string{
			humanize.Ordinal(i + 1),
			l.Name,
			dash(l.County),
			dash(l.Region),
			dash(l.Country),
			fmt.Sprintf("%.4f", l.Latitude),
			fmt.Sprintf("%.4f", l.Longitude),
		})
	}
	_, err := fmt.Fprintln(out, newTable([]string{"#", "NAME", "COUNTY", "REGION", "COUNTRY", "LAT", "LON"}, rows))
	return err
}

// dash keeps empty cells visible in the table.
func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
