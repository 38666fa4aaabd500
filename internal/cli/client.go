package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// SpecResponse — spec из API.
type SpecResponse struct {
	Name    string            `json:"name"`
	Inputs  map[string]string `json:"inputs"`
	Outputs map[string]string `json:"outputs"`
	IsFlow  bool              `json:"is_flow"`
}

// JobResponse — job из API.
type JobResponse struct {
	ProjectID string            `json:"project_id"`
	SpecName  string            `json:"spec_name"`
	JobID     string            `json:"job_id"`
	Params    json.RawMessage   `json:"params,omitempty"`
	Status    string            `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Inputs    map[string]string `json:"inputs"`
	Outputs   map[string]string `json:"outputs"`
	CreatedAt string            `json:"created_at"`
}

// StatusRecord — запись истории статусов.
type StatusRecord struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

// FlowState — состояние дочерних jobs flow.
type FlowState struct {
	JobID    string         `json:"jobId"`
	Children []ChildState   `json:"children"`
	ByStatus map[string]int `json:"byStatus"`
}

// ChildState — дочерний job flow.
type ChildState struct {
	JobID  string `json:"jobId"`
	Label  string `json:"uniqueSpecLabel"`
	Status string `json:"status"`
}

// DatapointResponse — значение потока.
type DatapointResponse struct {
	MessageID   string          `json:"message_id"`
	DatapointID string          `json:"datapoint_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// StreamInputResponse — итог потоковой записи во входной тег.
type StreamInputResponse struct {
	Fed           int    `json:"fed"`
	LastMessageID string `json:"last_message_id,omitempty"`
}

// --- Request types ---

// EnqueueJobRequest — запуск job.
type EnqueueJobRequest struct {
	SpecName string            `json:"spec_name"`
	JobID    string            `json:"job_id,omitempty"`
	Params   json.RawMessage   `json:"params,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Tributary API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Specs ---

// ListSpecs возвращает зарегистрированные specs.
func (c *Client) ListSpecs() ([]SpecResponse, error) {
	var specs []SpecResponse
	err := c.list("/api/v1/specs", nil, &specs)
	return specs, err
}

// GetSpec возвращает spec по имени.
func (c *Client) GetSpec(name string) (*SpecResponse, error) {
	var spec SpecResponse
	err := c.get("/api/v1/specs/"+url.PathEscape(name), &spec)
	return &spec, err
}

// GraphJSON возвращает граф flow в JSON.
func (c *Client) GraphJSON(name string) (json.RawMessage, error) {
	var graph json.RawMessage
	err := c.get("/api/v1/specs/"+url.PathEscape(name)+"/graph", &graph)
	return graph, err
}

// GraphText возвращает текстовое описание графа flow.
func (c *Client) GraphText(name string) (string, error) {
	resp, err := c.do(http.MethodGet, "/api/v1/specs/"+url.PathEscape(name)+"/graph?format=text", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return "", err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return string(data), nil
}

// --- Jobs ---

// EnqueueJob запускает job в проекте.
func (c *Client) EnqueueJob(project string, req EnqueueJobRequest) (*JobResponse, error) {
	var job JobResponse
	err := c.post(jobsPath(project), req, &job)
	return &job, err
}

// GetJob возвращает job с текущим статусом.
func (c *Client) GetJob(project, id string) (*JobResponse, error) {
	var job JobResponse
	err := c.get(jobPath(project, id), &job)
	return &job, err
}

// History возвращает историю статусов job.
func (c *Client) History(project, id string) ([]StatusRecord, error) {
	var history []StatusRecord
	err := c.list(jobPath(project, id)+"/history", nil, &history)
	return history, err
}

// FlowState возвращает состояние детей job flow.
func (c *Client) FlowState(project, id string) (*FlowState, error) {
	var state FlowState
	err := c.get(jobPath(project, id)+"/state", &state)
	return &state, err
}

// Feed дописывает значение во входной тег job.
func (c *Client) Feed(project, id, tag string, data json.RawMessage) (*DatapointResponse, error) {
	body := map[string]json.RawMessage{"data": data}
	var dp DatapointResponse
	err := c.post(jobPath(project, id)+"/inputs/"+url.PathEscape(tag), body, &dp)
	return &dp, err
}

// StreamInput передаёт во входной тег значения из r (NDJSON) в одном
// запросе. Конец r завершает тег; обрыв запроса завершает все входы job.
// Запрос не ограничен таймаутом клиента.
func (c *Client) StreamInput(project, id, tag string, r io.Reader) (*StreamInputResponse, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+jobPath(project, id)+"/inputs/"+url.PathEscape(tag)+"/stream", r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	streaming := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return nil, err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	var result StreamInputResponse
	if err := json.Unmarshal(dr.Data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Terminate завершает входной тег job.
func (c *Client) Terminate(project, id, tag string) error {
	return c.post(jobPath(project, id)+"/inputs/"+url.PathEscape(tag)+"/terminate", nil, nil)
}

// LastOutput возвращает последнее значение выходного тега.
func (c *Client) LastOutput(project, id, tag string) (*DatapointResponse, error) {
	var dp DatapointResponse
	err := c.get(jobPath(project, id)+"/outputs/"+url.PathEscape(tag)+"/last", &dp)
	return &dp, err
}

// --- Capacity ---

// IncreaseCapacity просит поднять by воркеров и возвращает выбранный инстанс.
func (c *Client) IncreaseCapacity(project, spec string, by int) (string, error) {
	body := map[string]any{"project_id": project, "spec_name": spec, "by": by}
	var resp struct {
		InstanceID string `json:"instance_id"`
	}
	err := c.post("/api/v1/capacity/increase", body, &resp)
	return resp.InstanceID, err
}

func jobsPath(project string) string {
	return "/api/v1/projects/" + url.PathEscape(project) + "/jobs"
}

func jobPath(project, id string) string {
	return jobsPath(project) + "/" + url.PathEscape(id)
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
