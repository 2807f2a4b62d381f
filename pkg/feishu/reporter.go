package feishu

import (
	"context"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/env"
)

const defaultBaseURL = "https://open.feishu.cn"

// ErrNotConfigured is returned by NewReporterFromEnv when no report table
// is configured.
var ErrNotConfigured = errors.New("feishu: BACKUP_BITABLE_URL is not set")

// Column names of the backup report table.
const (
	FieldJobID          = "JobID"
	FieldDeviceSerial   = "DeviceSerial"
	FieldModel          = "Model"
	FieldHost           = "Host"
	FieldState          = "State"
	FieldArtifactPath   = "ArtifactPath"
	FieldUploadLocation = "UploadLocation"
	FieldSucceeded      = "Succeeded"
	FieldFailed         = "Failed"
	FieldError          = "Error"
	FieldStartAt        = "StartAt"
	FieldEndAt          = "EndAt"
	FieldElapsedSeconds = "ElapsedSeconds"
)

type recordAPI interface {
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
}

type wikiAPI interface {
	GetNode(ctx context.Context, token string, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error)
}

type larkAppTableRecordService interface {
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
}

type larkWikiSpaceService interface {
	GetNode(ctx context.Context, req *larkwiki.GetNodeSpaceReq, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error)
}

type sdkRecordAPI struct {
	svc larkAppTableRecordService
}

func (a sdkRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.svc.Create(ctx, req, options...)
}

type sdkWikiAPI struct {
	svc larkWikiSpaceService
}

func (w sdkWikiAPI) GetNode(ctx context.Context, token string, options ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error) {
	req := larkwiki.NewGetNodeSpaceReqBuilder().
		Token(token).
		Build()
	return w.svc.GetNode(ctx, req, options...)
}

// Reporter appends one bitable row per finished backup job. It implements
// partbackup.JobRecorder.
type Reporter struct {
	ref     BitableRef
	records recordAPI
	wiki    wikiAPI

	mu       sync.Mutex
	appToken string
}

// NewReporterFromEnv builds a Reporter from BACKUP_BITABLE_URL and the
// FEISHU_APP_ID / FEISHU_APP_SECRET / FEISHU_BASE_URL credentials.
func NewReporterFromEnv() (*Reporter, error) {
	rawURL := env.String("BACKUP_BITABLE_URL", "")
	if rawURL == "" {
		return nil, ErrNotConfigured
	}
	return NewReporter(
		env.String("FEISHU_APP_ID", ""),
		env.String("FEISHU_APP_SECRET", ""),
		env.String("FEISHU_BASE_URL", ""),
		rawURL,
	)
}

// NewReporter builds a Reporter writing to the table behind bitableURL.
func NewReporter(appID, appSecret, baseURL, bitableURL string) (*Reporter, error) {
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set in environment")
	}
	ref, err := ParseBitableURL(bitableURL)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return newReporter(ref, sdkRecordAPI{svc: client.Bitable.V1.AppTableRecord}, sdkWikiAPI{svc: client.Wiki.V2.Space}), nil
}

func newReporter(ref BitableRef, records recordAPI, wiki wikiAPI) *Reporter {
	return &Reporter{ref: ref, records: records, wiki: wiki, appToken: ref.AppToken}
}

// RecordResult creates the report row for rec.
func (r *Reporter) RecordResult(ctx context.Context, rec partbackup.JobRecord) error {
	if r == nil || r.records == nil {
		return errors.New("feishu: reporter is nil")
	}
	appToken, err := r.resolveAppToken(ctx)
	if err != nil {
		return err
	}
	record := larkbitable.NewAppTableRecordBuilder().Fields(BuildFields(rec)).Build()
	resp, err := r.records.Create(ctx, appToken, r.ref.TableID, record)
	if err != nil {
		return errors.Wrap(err, "feishu: create backup record request failed")
	}
	if resp == nil {
		return errors.New("feishu: empty response when creating backup record")
	}
	if err := ensureSDKSuccess("create backup record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return err
	}
	recordID := ""
	if resp.Data != nil && resp.Data.Record != nil {
		recordID = larkcore.StringValue(resp.Data.Record.RecordId)
	}
	log.Debug().Str("job_id", rec.JobID).Str("record_id", recordID).Msg("feishu: backup record created")
	return nil
}

func (r *Reporter) resolveAppToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appToken != "" {
		return r.appToken, nil
	}
	if r.ref.WikiToken == "" || r.wiki == nil {
		return "", errors.New("feishu: bitable url has neither app token nor wiki token")
	}
	resp, err := r.wiki.GetNode(ctx, r.ref.WikiToken)
	if err != nil {
		return "", errors.Wrap(err, "feishu: wiki get_node request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when getting wiki node")
	}
	if err := ensureSDKSuccess("wiki get_node", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Node == nil {
		return "", errors.New("feishu: wiki node response missing node")
	}
	if objType := larkcore.StringValue(resp.Data.Node.ObjType); objType != "" && objType != "bitable" {
		return "", errors.Errorf("feishu: wiki node is a %s, not a bitable", objType)
	}
	r.appToken = larkcore.StringValue(resp.Data.Node.ObjToken)
	return r.appToken, nil
}

// BuildFields maps a job record onto report table columns. Timestamps are
// unix milliseconds, the bitable date representation.
func BuildFields(rec partbackup.JobRecord) map[string]any {
	fields := map[string]any{
		FieldJobID:          rec.JobID,
		FieldDeviceSerial:   rec.Serial,
		FieldModel:          rec.Model,
		FieldHost:           rec.Host,
		FieldState:          rec.State,
		FieldArtifactPath:   rec.FinalArtifactPath,
		FieldSucceeded:      strings.Join(rec.Succeeded, ","),
		FieldFailed:         strings.Join(rec.Failed, ","),
		FieldElapsedSeconds: rec.ElapsedSeconds(),
	}
	if rec.UploadLocation != "" {
		fields[FieldUploadLocation] = rec.UploadLocation
	}
	if rec.Error != "" {
		fields[FieldError] = rec.Error
	}
	if !rec.StartedAt.IsZero() {
		fields[FieldStartAt] = rec.StartedAt.UnixMilli()
	}
	if !rec.FinishedAt.IsZero() {
		fields[FieldEndAt] = rec.FinishedAt.UnixMilli()
	}
	return fields
}
