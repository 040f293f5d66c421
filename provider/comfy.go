package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"storyboard-pipeline/config"
)

// Workflow placeholders replaced at submission time.
const (
	phPrompt     = "{PROMPT}"
	phStartImage = "{START_IMAGE}"
	phEndImage   = "{END_IMAGE}"
	phWidth      = "{WIDTH}"
	phHeight     = "{HEIGHT}"
)

// Job is a handle to one submitted video job. Seen records whether the job
// was ever observed in the active queue, which distinguishes "not registered
// yet" from "vanished without a result record" during polling.
type Job struct {
	ID   string
	Seen bool
}

// comfyClient drives a ComfyUI-style job-queue video backend: submit a
// workflow, poll the queue and history, download the artifact.
type comfyClient struct {
	baseURL    string
	clientID   string
	template   []byte
	width      int
	height     int
	httpClient *http.Client
}

func newComfyClient(cfg config.VideoConfig) (*comfyClient, error) {
	base := cfg.ComfyURL
	if base == "" {
		base = "http://127.0.0.1:8188"
	}

	var template []byte
	if cfg.WorkflowPath != "" {
		data, err := os.ReadFile(cfg.WorkflowPath)
		if err != nil {
			return nil, fmt.Errorf("read workflow template: %w", err)
		}
		template = data
	}

	w, h, err := parseResolution(cfg.Resolution)
	if err != nil {
		return nil, err
	}

	return &comfyClient{
		baseURL:    strings.TrimRight(base, "/"),
		clientID:   uuid.New().String(),
		template:   template,
		width:      w,
		height:     h,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func parseResolution(res string) (int, int, error) {
	parts := strings.SplitN(res, "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad resolution %q", res)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("bad resolution %q", res)
	}
	return w, h, nil
}

// UploadInput stores a conditioning image in the backend's input folder and
// returns the name the workflow should reference.
func (c *comfyClient) UploadInput(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(data); err != nil {
		return "", err
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(res.Body)
		return "", fmt.Errorf("upload failed (status %d): %s", res.StatusCode, msg)
	}

	var resp struct {
		Name      string `json:"name"`
		Subfolder string `json:"subfolder"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return name, nil
	}
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

// Submit builds a job description from the workflow template and enqueues it.
// An empty endImage selects terminal-shot mode: every input bound to the
// end-image placeholder is removed from its node, because the backend rejects
// explicit nulls where a key must be absent. Seed fields are re-randomized on
// every submission so repeats are never identical.
func (c *comfyClient) Submit(ctx context.Context, startImage, endImage string, prompt string) (*Job, error) {
	if len(c.template) == 0 {
		return nil, fmt.Errorf("no workflow template configured")
	}

	var workflow map[string]any
	if err := json.Unmarshal(c.template, &workflow); err != nil {
		return nil, fmt.Errorf("parse workflow template: %w", err)
	}

	for _, node := range workflow {
		nodeMap, ok := node.(map[string]any)
		if !ok {
			continue
		}
		inputs, ok := nodeMap["inputs"].(map[string]any)
		if !ok {
			continue
		}
		for key, val := range inputs {
			switch key {
			case "seed", "noise_seed":
				if _, isNum := val.(float64); isNum {
					inputs[key] = rand.Int63()
				}
				continue
			}
			s, ok := val.(string)
			if !ok {
				continue
			}
			switch {
			case s == phStartImage:
				inputs[key] = startImage
			case s == phEndImage:
				if endImage == "" {
					delete(inputs, key)
				} else {
					inputs[key] = endImage
				}
			case s == phWidth:
				inputs[key] = c.width
			case s == phHeight:
				inputs[key] = c.height
			case strings.Contains(s, phPrompt) || strings.Contains(s, phWidth) || strings.Contains(s, phHeight):
				s = strings.ReplaceAll(s, phPrompt, prompt)
				s = strings.ReplaceAll(s, phWidth, strconv.Itoa(c.width))
				s = strings.ReplaceAll(s, phHeight, strconv.Itoa(c.height))
				inputs[key] = s
			}
		}
	}

	payload, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": c.clientID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("submit rejected (status %d): %s", res.StatusCode, msg)
	}

	var resp struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, err
	}
	if resp.PromptID == "" {
		return nil, fmt.Errorf("submit returned no prompt id")
	}
	return &Job{ID: resp.PromptID}, nil
}

// Poll performs one observation of a submitted job: first the active queue,
// then the result record.
func (c *comfyClient) Poll(ctx context.Context, job *Job) (PollResult, error) {
	queued, err := c.inQueue(ctx, job.ID)
	if err != nil {
		return PollResult{}, err
	}
	if queued {
		job.Seen = true
		return PollResult{State: PollPending}, nil
	}

	record, found, err := c.historyRecord(ctx, job.ID)
	if err != nil {
		return PollResult{}, err
	}
	if !found {
		if job.Seen {
			// Was in queue, now gone with no result record: abnormal.
			return PollResult{State: PollFailed, Reason: "job disappeared from queue without a result record"}, nil
		}
		// May not have registered yet; caller keeps polling.
		return PollResult{State: PollPending}, nil
	}

	if reason, failed := recordError(record); failed {
		return PollResult{State: PollFailed, Reason: reason}, nil
	}

	outputs, _ := record["outputs"].(map[string]any)
	loc, err := extractLocation(outputs)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{State: PollDone, Output: loc}, nil
}

// Fetch downloads a finished job's artifact.
func (c *comfyClient) Fetch(ctx context.Context, loc OutputLocation) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", loc.Filename)
	q.Set("subfolder", loc.Subfolder)
	q.Set("type", loc.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed (status %d)", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

func (c *comfyClient) inQueue(ctx context.Context, jobID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/queue", nil)
	if err != nil {
		return false, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	var queue map[string][]any
	if err := json.NewDecoder(res.Body).Decode(&queue); err != nil {
		return false, err
	}
	for _, section := range []string{"queue_running", "queue_pending"} {
		for _, entry := range queue[section] {
			// Each entry is [number, prompt_id, ...].
			fields, ok := entry.([]any)
			if !ok || len(fields) < 2 {
				continue
			}
			if id, ok := fields[1].(string); ok && id == jobID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *comfyClient) historyRecord(ctx context.Context, jobID string) (map[string]any, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+jobID, nil)
	if err != nil {
		return nil, false, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()

	var history map[string]any
	if err := json.NewDecoder(res.Body).Decode(&history); err != nil {
		return nil, false, err
	}
	record, ok := history[jobID].(map[string]any)
	return record, ok, nil
}

// recordError reports whether the result record carries an explicit error
// status, extracting the backend's error detail when present.
func recordError(record map[string]any) (string, bool) {
	status, ok := record["status"].(map[string]any)
	if !ok {
		return "", false
	}
	if s, _ := status["status_str"].(string); s != "error" {
		return "", false
	}
	if messages, ok := status["messages"].([]any); ok {
		for _, msg := range messages {
			pair, ok := msg.([]any)
			if !ok || len(pair) < 2 {
				continue
			}
			if kind, _ := pair[0].(string); kind != "execution_error" {
				continue
			}
			if detail, ok := pair[1].(map[string]any); ok {
				if exc, _ := detail["exception_message"].(string); exc != "" {
					return exc, true
				}
			}
			return fmt.Sprintf("%v", pair[1]), true
		}
	}
	return "backend reported an error with no detail", true
}

// extractLocation finds the output artifact among the heterogeneous result
// shapes the backend produces, in fixed precedence order. Nodes are scanned
// in sorted key order so extraction is reproducible across polls. When
// nothing matches it fails naming the keys that were present.
func extractLocation(outputs map[string]any) (OutputLocation, error) {
	nodes := make([]string, 0, len(outputs))
	for node := range outputs {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var seenKeys []string
	for _, node := range nodes {
		out, ok := outputs[node].(map[string]any)
		if !ok {
			continue
		}
		for key := range out {
			seenKeys = append(seenKeys, key)
		}

		// (a) enable-flag-plus-path-list: take the last path.
		if m, ok := out["gifs"].(map[string]any); ok {
			if paths := stringList(m["fullpaths"]); len(paths) > 0 {
				return OutputLocation{Filename: paths[len(paths)-1], Type: "output"}, nil
			}
		}
		// (b) list of {filename, subfolder} objects.
		if loc, ok := objectLocation(out["gifs"]); ok {
			return loc, nil
		}
		// (c) list of bare filename strings.
		if paths := stringList(out["gifs"]); len(paths) > 0 {
			return OutputLocation{Filename: paths[len(paths)-1], Type: "output"}, nil
		}
		// (d) animated-style output: images flagged as animated.
		if _, animated := out["animated"]; animated {
			if loc, ok := objectLocation(out["images"]); ok {
				return loc, nil
			}
		}
		// (e) videos list.
		if loc, ok := objectLocation(out["videos"]); ok {
			return loc, nil
		}
		// (f) filenames list.
		if paths := stringList(out["filenames"]); len(paths) > 0 {
			return OutputLocation{Filename: paths[len(paths)-1], Type: "output"}, nil
		}
		// (g) nested UI-presentation object.
		if ui, ok := out["ui"].(map[string]any); ok {
			if loc, ok := objectLocation(ui["videos"]); ok {
				return loc, nil
			}
			if loc, ok := objectLocation(ui["images"]); ok {
				return loc, nil
			}
		}
		// (h) direct filename field.
		if name, ok := out["filename"].(string); ok && name != "" {
			sub, _ := out["subfolder"].(string)
			return OutputLocation{Filename: name, Subfolder: sub, Type: "output"}, nil
		}
	}
	sort.Strings(seenKeys)
	return OutputLocation{}, &OutputNotFoundError{AvailableKeys: seenKeys}
}

func objectLocation(v any) (OutputLocation, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return OutputLocation{}, false
	}
	item, ok := items[0].(map[string]any)
	if !ok {
		return OutputLocation{}, false
	}
	name, _ := item["filename"].(string)
	if name == "" {
		return OutputLocation{}, false
	}
	sub, _ := item["subfolder"].(string)
	typ, _ := item["type"].(string)
	if typ == "" {
		typ = "output"
	}
	return OutputLocation{Filename: name, Subfolder: sub, Type: typ}, true
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) != len(items) {
		return nil
	}
	return out
}
