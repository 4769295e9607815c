package recorder

import (
	"context"
	"os"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	EnvFeishuAppID     = "FEISHU_APP_ID"
	EnvFeishuAppSecret = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL   = "FEISHU_BASE_URL"
	EnvJobAppToken     = "FEISHU_JOB_APP_TOKEN"
	EnvJobTableID      = "FEISHU_JOB_TABLE_ID"

	defaultBaseURL = "https://open.feishu.cn"
)

// JobFields maps job attributes to bitable column names.
type JobFields struct {
	JobID        string
	DeviceSerial string
	State        string
	Flashed      string
	Port         string
	StartAt      string
	EndAt        string
	ErrorMessage string
}

// DefaultJobFields provides the default column names.
var DefaultJobFields = JobFields{
	JobID:        "JobID",
	DeviceSerial: "DeviceSerial",
	State:        "State",
	Flashed:      "Flashed",
	Port:         "Port",
	StartAt:      "StartAt",
	EndAt:        "EndAt",
	ErrorMessage: "ErrorMessage",
}

// recordAPI creates and updates bitable records.
type recordAPI interface {
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord) (*larkbitable.UpdateAppTableRecordResp, error)
}

type larkAppTableRecordService interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	svc larkAppTableRecordService
}

func (a sdkRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.svc.Create(ctx, req)
}

func (a sdkRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord) (*larkbitable.UpdateAppTableRecordResp, error) {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		RecordId(recordID).
		AppTableRecord(record).
		Build()
	return a.svc.Update(ctx, req)
}

// FeishuRecorder persists job snapshots to a Feishu bitable table. Record ids
// are kept in memory per job id.
type FeishuRecorder struct {
	api      recordAPI
	appToken string
	tableID  string
	fields   JobFields

	mu      sync.Mutex
	records map[string]string
}

func newFeishuRecorder(api recordAPI, appToken, tableID string, fields JobFields) *FeishuRecorder {
	return &FeishuRecorder{
		api:      api,
		appToken: appToken,
		tableID:  tableID,
		fields:   fields,
		records:  make(map[string]string),
	}
}

// NewFeishuRecorderFromEnv returns nil when the job table is not configured,
// allowing graceful opt-out.
func NewFeishuRecorderFromEnv() (*FeishuRecorder, error) {
	appToken := strings.TrimSpace(os.Getenv(EnvJobAppToken))
	tableID := strings.TrimSpace(os.Getenv(EnvJobTableID))
	if appToken == "" || tableID == "" {
		return nil, nil
	}
	appID := strings.TrimSpace(os.Getenv(EnvFeishuAppID))
	appSecret := strings.TrimSpace(os.Getenv(EnvFeishuAppSecret))
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set in environment")
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv(EnvFeishuBaseURL)), "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return newFeishuRecorder(sdkRecordAPI{svc: client.Bitable.V1.AppTableRecord}, appToken, tableID, DefaultJobFields), nil
}

func (r *FeishuRecorder) CreateJob(ctx context.Context, rec *JobRecord) error {
	if r == nil || r.api == nil || rec == nil {
		return nil
	}
	fields := map[string]any{
		r.fields.JobID: rec.JobID,
		r.fields.State: rec.State,
	}
	if rec.Serial != "" {
		fields[r.fields.DeviceSerial] = rec.Serial
	}
	if !rec.StartAt.IsZero() {
		fields[r.fields.StartAt] = rec.StartAt.UnixMilli()
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := r.api.Create(ctx, r.appToken, r.tableID, record)
	if err != nil {
		return errors.Wrap(err, "feishu recorder: create job record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu recorder: empty response when creating job record")
	}
	if !resp.Success() {
		return errors.Errorf("feishu recorder: create job record failed code=%d msg=%s log_id=%s",
			resp.Code, resp.Msg, resp.RequestId())
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return errors.New("feishu recorder: create response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return errors.New("feishu recorder: create response missing record id")
	}
	r.mu.Lock()
	r.records[rec.JobID] = id
	r.mu.Unlock()
	log.Debug().Str("job_id", rec.JobID).Str("record_id", id).Msg("feishu recorder: job record created")
	return nil
}

func (r *FeishuRecorder) UpdateJob(ctx context.Context, jobID string, upd *JobUpdate) error {
	if r == nil || r.api == nil || upd == nil {
		return nil
	}
	r.mu.Lock()
	recordID, ok := r.records[jobID]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("feishu recorder: no record for job %s", jobID)
	}
	fields := map[string]any{
		r.fields.State:   upd.State,
		r.fields.Flashed: upd.Flashed,
	}
	if upd.Serial != "" {
		fields[r.fields.DeviceSerial] = upd.Serial
	}
	if upd.Port > 0 {
		fields[r.fields.Port] = upd.Port
	}
	if upd.EndAt != nil {
		fields[r.fields.EndAt] = upd.EndAt.UnixMilli()
	}
	if upd.Error != "" {
		fields[r.fields.ErrorMessage] = upd.Error
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := r.api.Update(ctx, r.appToken, r.tableID, recordID, record)
	if err != nil {
		return errors.Wrap(err, "feishu recorder: update job record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu recorder: empty response when updating job record")
	}
	if !resp.Success() {
		return errors.Errorf("feishu recorder: update job record failed code=%d msg=%s log_id=%s",
			resp.Code, resp.Msg, resp.RequestId())
	}
	return nil
}

// FromEnv assembles the recorders configured through the environment: the
// sqlite history when store is non-nil, and the Feishu table when configured.
func FromEnv(store JobStore) (JobRecorder, error) {
	var recs Multi
	if store != nil {
		recs = append(recs, NewSQLiteRecorder(store))
	}
	feishu, err := NewFeishuRecorderFromEnv()
	if err != nil {
		return nil, err
	}
	if feishu != nil {
		recs = append(recs, feishu)
	}
	if len(recs) == 0 {
		return NoopRecorder{}, nil
	}
	return recs, nil
}
