package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/smithy-go"

	"freighter/internal/model"
)

func TestFileGeneratorStreams(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	src := filepath.Join(dir, "report.csv")
	if err := os.WriteFile(src, []byte("a,b,c\n1,2,3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var buf bytes.Buffer
	err := FileGenerator{}.Generate(context.Background(), model.SourceRef{JobID: "j1", Path: src}, &buf)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := buf.String(); got != "a,b,c\n1,2,3\n" {
		t.Fatalf("Generate output = %q", got)
	}

	err = FileGenerator{}.Generate(context.Background(), model.SourceRef{Path: filepath.Join(dir, "missing")}, &buf)
	if err == nil {
		t.Fatal("Generate(missing) = nil, want error")
	}
}

func TestDirPusherPush(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	p := DirPusher{Root: root}

	req := model.PushRequest{
		JobID:           "job-1",
		TargetID:        "t1",
		HostRef:         "sftp://a.example.com",
		DestinationPath: "/incoming/reports",
		Body:            strings.NewReader("payload"),
		Secret:          model.NewSecret("s3cret"),
	}
	if err := p.Push(context.Background(), req); err != nil {
		t.Fatalf("Push: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(root, "a.example.com", "incoming", "reports", "job-1.artifact"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("pushed content = %q, want %q", got, "payload")
	}
}

func TestDirPusherRejects(t *testing.T) {
	t.Parallel()
	p := DirPusher{Root: t.TempDir()}

	tests := []struct {
		name string
		req  model.PushRequest
		want error
	}{
		{
			name: "missing secret",
			req: model.PushRequest{
				JobID: "j", HostRef: "h.example.com", DestinationPath: "/x",
				Body: strings.NewReader("x"),
			},
			want: ErrAuthFailed,
		},
		{
			name: "path escape",
			req: model.PushRequest{
				JobID: "j", HostRef: "h.example.com", DestinationPath: "/../../etc",
				Body: strings.NewReader("x"), Secret: model.NewSecret("s"),
			},
			want: ErrDestinationInvalid,
		},
		{
			name: "empty host",
			req: model.PushRequest{
				JobID: "j", HostRef: "///", DestinationPath: "/x",
				Body: strings.NewReader("x"), Secret: model.NewSecret("s"),
			},
			want: ErrDestinationInvalid,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := p.Push(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Push err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestS3AddressMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		hostRef string
		bucket  string
		wantErr bool
	}{
		{hostRef: "s3://reports-bucket", bucket: "reports-bucket"},
		{hostRef: "s3://reports-bucket/", bucket: "reports-bucket"},
		{hostRef: "s3://reports/extra", wantErr: true},
		{hostRef: "s3://", wantErr: true},
		{hostRef: "sftp://a.example.com", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.hostRef, func(t *testing.T) {
			t.Parallel()
			got, err := s3Bucket(tt.hostRef)
			if tt.wantErr {
				if !errors.Is(err, ErrDestinationInvalid) {
					t.Fatalf("s3Bucket(%q) err = %v, want ErrDestinationInvalid", tt.hostRef, err)
				}
				return
			}
			if err != nil || got != tt.bucket {
				t.Fatalf("s3Bucket(%q) = %q, %v, want %q", tt.hostRef, got, err, tt.bucket)
			}
		})
	}

	if got := s3Key("/incoming/reports", "job-1"); got != "incoming/reports/job-1.artifact" {
		t.Fatalf("s3Key = %q", got)
	}
	if got := s3Key("", "job-1"); got != "job-1.artifact" {
		t.Fatalf("s3Key(empty dest) = %q", got)
	}
	if got := s3Key("/../x", "job-1"); got != "x/job-1.artifact" {
		t.Fatalf("s3Key(traversal) = %q", got)
	}
}

func TestClassifyS3(t *testing.T) {
	t.Parallel()
	wrap := func(code string) error {
		return fmt.Errorf("operation error S3: PutObject: %w",
			&smithy.GenericAPIError{Code: code, Message: code})
	}

	if err := classifyS3("s3://b", wrap("AccessDenied")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("AccessDenied classified as %v, want ErrAuthFailed", err)
	}
	if err := classifyS3("s3://b", wrap("NoSuchBucket")); !errors.Is(err, ErrDestinationInvalid) {
		t.Fatalf("NoSuchBucket classified as %v, want ErrDestinationInvalid", err)
	}
	err := classifyS3("s3://b", wrap("SlowDown"))
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrDestinationInvalid) {
		t.Fatalf("SlowDown classified terminal: %v", err)
	}
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()
	r := NewStaticCredentials(map[string]string{"cred-a": "tok-123"})

	sec, err := r.Resolve(context.Background(), "cred-a")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sec.Reveal() != "tok-123" {
		t.Fatalf("Reveal = %q, want tok-123", sec.Reveal())
	}

	if _, err := r.Resolve(context.Background(), "cred-x"); !errors.Is(err, ErrCredentialNotFound) {
		t.Fatalf("Resolve(missing) err = %v, want ErrCredentialNotFound", err)
	}
}
