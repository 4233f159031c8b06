package summarizer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	DefaultDatasetsServerURL = "https://datasets-server.huggingface.co"
	DefaultDataset           = "cnn_dailymail"
	DefaultDatasetConfig     = "3.0.0"
	DefaultSplit             = "train"
	DefaultSampleSize        = 10
	DefaultSamplePath        = "cnn_dailymail_sample.csv"

	// datasets-server refuses pages larger than this.
	maxRowsPerPage = 100
)

type DatasetRef struct {
	Dataset string
	Config  string
	Split   string
}

func DefaultDatasetRef() DatasetRef {
	return DatasetRef{
		Dataset: DefaultDataset,
		Config:  DefaultDatasetConfig,
		Split:   DefaultSplit,
	}
}

type DatasetFeature struct {
	FeatureIdx int    `json:"feature_idx"`
	Name       string `json:"name"`
}

type DatasetRow struct {
	RowIdx int            `json:"row_idx"`
	Row    map[string]any `json:"row"`
}

type DatasetRowsResponse struct {
	Features     []DatasetFeature `json:"features"`
	Rows         []DatasetRow     `json:"rows"`
	NumRowsTotal int              `json:"num_rows_total"`
}

// DatasetRows is a contiguous slice of a split with its column order.
type DatasetRows struct {
	Features []string
	Rows     []map[string]any
}

// Column returns the string value of name in row i.
func (d DatasetRows) Column(i int, name string) string {
	return cellString(d.Rows[i][name])
}

type DatasetFetcher struct {
	http    *http.Client
	baseURL string
}

func NewDatasetFetcher(baseURL string, httpClient *http.Client) *DatasetFetcher {
	if baseURL == "" {
		baseURL = DefaultDatasetsServerURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DatasetFetcher{http: httpClient, baseURL: strings.TrimRight(baseURL, "/")}
}

// FetchRows returns up to length rows starting at offset. Fewer rows come
// back only when the split ends first.
func (f *DatasetFetcher) FetchRows(ctx context.Context, ref DatasetRef, offset, length int) (DatasetRows, error) {
	var out DatasetRows
	for fetched := 0; fetched < length; {
		pageLen := min(maxRowsPerPage, length-fetched)
		page, err := f.fetchPage(ctx, ref, offset+fetched, pageLen)
		if err != nil {
			return DatasetRows{}, err
		}
		if out.Features == nil {
			for _, feat := range page.Features {
				out.Features = append(out.Features, feat.Name)
			}
		}
		for _, row := range page.Rows {
			out.Rows = append(out.Rows, row.Row)
		}
		fetched += len(page.Rows)
		if len(page.Rows) < pageLen {
			break
		}
	}

	slog.InfoContext(ctx, "dataset rows fetched",
		slog.String("dataset", ref.Dataset),
		slog.String("config", ref.Config),
		slog.String("split", ref.Split),
		slog.Int("rows", len(out.Rows)))
	return out, nil
}

func (f *DatasetFetcher) fetchPage(ctx context.Context, ref DatasetRef, offset, length int) (*DatasetRowsResponse, error) {
	q := url.Values{}
	q.Set("dataset", ref.Dataset)
	q.Set("config", ref.Config)
	q.Set("split", ref.Split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(length))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/rows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rows: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var page DatasetRowsResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return &page, nil
}

// Sample writes the first n rows of the split to path, replacing any
// existing file.
func (f *DatasetFetcher) Sample(ctx context.Context, ref DatasetRef, n int, path string) error {
	rows, err := f.FetchRows(ctx, ref, 0, n)
	if err != nil {
		return err
	}
	return WriteCSV(path, rows)
}

// WriteCSV writes rows with a leading unnamed index column.
func WriteCSV(path string, rows DatasetRows) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(append([]string{""}, rows.Features...)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows.Rows {
		record := make([]string, 0, len(rows.Features)+1)
		record = append(record, strconv.Itoa(i))
		for _, name := range rows.Features {
			record = append(record, cellString(row[name]))
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	return file.Close()
}

func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
