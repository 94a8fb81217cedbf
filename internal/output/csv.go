// Package output renders a reduced crawl into the published artifact
// formats. Rows follow the reducer's deterministic ordering, so two runs
// over the same raw data produce byte-identical files.
package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fedigraph/fedigraph/internal/reducer"
)

const (
	nodesCSVName = "instances.csv"
	edgesCSVName = "edges.csv"
)

// WriteCSV writes instances.csv and edges.csv under dir. The instance
// header is host, software, then the sorted union of attribute keys;
// instances missing a key get an empty cell.
func WriteCSV(dir string, result reducer.Result) error {
	attrCols := result.AttributeColumns()

	header := append([]string{"host", "software"}, attrCols...)
	rows := make([][]string, 0, len(result.Nodes))
	for _, node := range result.Nodes {
		row := make([]string, 0, len(header))
		row = append(row, node.Host, string(node.Software))
		for _, col := range attrCols {
			row = append(row, node.Attributes[col])
		}
		rows = append(rows, row)
	}
	if err := writeCSVFile(filepath.Join(dir, nodesCSVName), header, rows); err != nil {
		return err
	}

	edgeRows := make([][]string, 0, len(result.Edges))
	for _, edge := range result.Edges {
		edgeRows = append(edgeRows, []string{
			edge.Source,
			edge.Target,
			string(edge.Kind),
			strconv.FormatInt(edge.Weight, 10),
		})
	}
	return writeCSVFile(
		filepath.Join(dir, edgesCSVName),
		[]string{"source", "target", "kind", "weight"},
		edgeRows,
	)
}

func writeCSVFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
