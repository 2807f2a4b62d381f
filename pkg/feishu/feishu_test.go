package feishu

import (
	"context"
	"net/http"
	"testing"
	"time"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	larkwiki "github.com/larksuite/oapi-sdk-go/v3/service/wiki/v2"

	partbackup "github.com/httprunner/PartitionBackup"
)

func TestParseBitableURL(t *testing.T) {
	ref, err := ParseBitableURL("https://example.feishu.cn/base/bascnAbc123?table=tblXyz&view=vewQ")
	if err != nil {
		t.Fatalf("ParseBitableURL returned error: %v", err)
	}
	if ref.AppToken != "bascnAbc123" || ref.TableID != "tblXyz" || ref.ViewID != "vewQ" {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	wiki, err := ParseBitableURL("https://example.larkoffice.com/wiki/wikcnToken?table_id=tblAbc")
	if err != nil {
		t.Fatalf("ParseBitableURL(wiki) returned error: %v", err)
	}
	if wiki.WikiToken != "wikcnToken" || wiki.AppToken != "" || wiki.TableID != "tblAbc" {
		t.Fatalf("unexpected wiki ref: %+v", wiki)
	}

	for _, bad := range []string{
		"",
		"ftp://example.feishu.cn/base/x?table=t",
		"https://example.com/base/x?table=t",
		"https://example.feishu.cn/base/x",
	} {
		if _, err := ParseBitableURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBuildFields(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	fields := BuildFields(partbackup.JobRecord{
		JobID:      "job-1",
		Serial:     "device-1",
		State:      "completed",
		Succeeded:  []string{"boot_a", "boot_b"},
		Failed:     []string{"vendor_boot"},
		StartedAt:  start,
		FinishedAt: start.Add(65 * time.Second),
	})
	if fields[FieldSucceeded] != "boot_a,boot_b" || fields[FieldFailed] != "vendor_boot" {
		t.Fatalf("unexpected partition columns: %v", fields)
	}
	if fields[FieldElapsedSeconds] != int64(65) {
		t.Fatalf("ElapsedSeconds = %v", fields[FieldElapsedSeconds])
	}
	if fields[FieldStartAt] != start.UnixMilli() {
		t.Fatalf("StartAt = %v", fields[FieldStartAt])
	}
	if _, ok := fields[FieldError]; ok {
		t.Fatalf("empty error should be omitted")
	}
}

type stubRecords struct {
	appToken string
	tableID  string
	fields   map[string]any
}

func okApiResp() *larkcore.ApiResp {
	return &larkcore.ApiResp{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		RawBody:    []byte(`{"code":0,"msg":"success"}`),
	}
}

func (s *stubRecords) Create(_ context.Context, appToken, tableID string, record *larkbitable.AppTableRecord, _ ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	s.appToken = appToken
	s.tableID = tableID
	s.fields = record.Fields
	return &larkbitable.CreateAppTableRecordResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data: &larkbitable.CreateAppTableRecordRespData{
			Record: &larkbitable.AppTableRecord{RecordId: larkcore.StringPtr("rec1")},
		},
	}, nil
}

type stubWiki struct{ calls int }

func (s *stubWiki) GetNode(_ context.Context, _ string, _ ...larkcore.RequestOptionFunc) (*larkwiki.GetNodeSpaceResp, error) {
	s.calls++
	return &larkwiki.GetNodeSpaceResp{
		ApiResp:   okApiResp(),
		CodeError: larkcore.CodeError{Code: 0, Msg: "success"},
		Data: &larkwiki.GetNodeSpaceRespData{
			Node: &larkwiki.Node{ObjToken: larkcore.StringPtr("bascnResolved"), ObjType: larkcore.StringPtr("bitable")},
		},
	}, nil
}

func TestReporterResolvesWikiTokenOnce(t *testing.T) {
	records := &stubRecords{}
	wiki := &stubWiki{}
	r := newReporter(BitableRef{WikiToken: "wikcnToken", TableID: "tblAbc"}, records, wiki)

	for i := 0; i < 2; i++ {
		if err := r.RecordResult(context.Background(), partbackup.JobRecord{JobID: "job-1"}); err != nil {
			t.Fatalf("RecordResult returned error: %v", err)
		}
	}
	if wiki.calls != 1 {
		t.Fatalf("expected one wiki lookup, got %d", wiki.calls)
	}
	if records.appToken != "bascnResolved" || records.tableID != "tblAbc" {
		t.Fatalf("unexpected target: %s/%s", records.appToken, records.tableID)
	}
	if records.fields[FieldJobID] != "job-1" {
		t.Fatalf("unexpected fields: %v", records.fields)
	}
}
