package racetrack

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ReadTrackCSV parses centerline records "x_m,y_m,w_tr_right_m,w_tr_left_m".
// Lines starting with '#' and a non-numeric header row are skipped.
func ReadTrackCSV(r io.Reader) ([]TrackPoint, error) {
	rows, err := readNumericRows(r, 4, 4)
	if err != nil {
		return nil, fmt.Errorf("track csv: %w", err)
	}
	pts := make([]TrackPoint, len(rows))
	for i, row := range rows {
		pts[i] = TrackPoint{X: row[0], Y: row[1], WidthRight: row[2], WidthLeft: row[3]}
	}
	return pts, nil
}

// ReadRacelineCSV parses raceline records "x_m,y_m[,v_mps[,kappa_radpm[,s_m]]]".
// hasSpeed reports whether a speed column was present.
func ReadRacelineCSV(r io.Reader) (pts []RacelinePoint, hasSpeed bool, err error) {
	rows, err := readNumericRows(r, 2, 5)
	if err != nil {
		return nil, false, fmt.Errorf("raceline csv: %w", err)
	}
	pts = make([]RacelinePoint, len(rows))
	hasSpeed = true
	for i, row := range rows {
		p := RacelinePoint{X: row[0], Y: row[1]}
		if len(row) > 2 {
			p.Speed = row[2]
		} else {
			hasSpeed = false
		}
		if len(row) > 3 {
			p.Curvature = row[3]
		}
		if len(row) > 4 {
			p.S = row[4]
		}
		pts[i] = p
	}
	return pts, hasSpeed && len(rows) > 0, nil
}

// LoadFiles reads a track and a raceline file and builds the arena. When the
// raceline file carries no speed column the profile limits derive speeds
// from curvature.
func LoadFiles(trackPath, racelinePath string, profile ProfileLimits, opts ...Option) (*TrackRaceline, error) {
	tf, err := os.Open(trackPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open track file: %w", err)
	}
	defer tf.Close()
	track, err := ReadTrackCSV(tf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", trackPath, err)
	}

	rf, err := os.Open(racelinePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open raceline file: %w", err)
	}
	defer rf.Close()
	line, hasSpeed, err := ReadRacelineCSV(rf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", racelinePath, err)
	}

	tr, err := Load(track, line, opts...)
	if err != nil {
		return nil, err
	}
	if !hasSpeed {
		return tr.WithSpeedProfile(profile)
	}
	return tr, nil
}

var errEmptyCSV = errors.New("no data rows")

func readNumericRows(r io.Reader, minCols, maxCols int) ([][]float64, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows [][]float64
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if len(rec) < minCols {
			return nil, fmt.Errorf("record %d has %d fields, need at least %d", line, len(rec), minCols)
		}
		if len(rec) > maxCols {
			rec = rec[:maxCols]
		}
		row := make([]float64, len(rec))
		numeric := true
		for i, f := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				numeric = false
				break
			}
			row[i] = v
		}
		if !numeric {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("record %d is not numeric", line)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errEmptyCSV
	}
	return rows, nil
}
