package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/fedigraph/fedigraph/internal/reducer"
)

const (
	nodesParquetName = "instances.parquet"
	edgesParquetName = "edges.parquet"
)

type nodeRow struct {
	Host       string `parquet:"host"`
	Software   string `parquet:"software"`
	Attributes string `parquet:"attributes"`
}

type edgeRow struct {
	Source string `parquet:"source"`
	Target string `parquet:"target"`
	Kind   string `parquet:"kind"`
	Weight int64  `parquet:"weight"`
}

// WriteParquet writes instances.parquet and edges.parquet under dir.
// Attributes vary per software family, so they land in a single JSON
// column instead of a sparse per-key schema.
func WriteParquet(dir string, result reducer.Result) error {
	nodes := make([]nodeRow, 0, len(result.Nodes))
	for _, node := range result.Nodes {
		attrs, err := json.Marshal(node.Attributes)
		if err != nil {
			return fmt.Errorf("encode attributes for %s: %w", node.Host, err)
		}
		nodes = append(nodes, nodeRow{
			Host:       node.Host,
			Software:   string(node.Software),
			Attributes: string(attrs),
		})
	}
	if err := writeParquetFile(filepath.Join(dir, nodesParquetName), nodes); err != nil {
		return err
	}

	edges := make([]edgeRow, 0, len(result.Edges))
	for _, edge := range result.Edges {
		edges = append(edges, edgeRow{
			Source: edge.Source,
			Target: edge.Target,
			Kind:   string(edge.Kind),
			Weight: edge.Weight,
		})
	}
	return writeParquetFile(filepath.Join(dir, edgesParquetName), edges)
}

func writeParquetFile[T any](path string, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	w := parquet.NewGenericWriter[T](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
