package minioctrl

import "testing"

func TestGetBucketAndObjectFromURL(t *testing.T) {
	s, err := NewMinioService("localhost:9000", "key", "secret", false)
	if err != nil {
		t.Fatalf("NewMinioService() error = %v", err)
	}

	tests := []struct {
		name       string
		url        string
		wantBucket string
		wantObject string
	}{
		{name: "transcript reference", url: "transcripts/meetings/42/transcript.txt", wantBucket: "transcripts", wantObject: "meetings/42/transcript.txt"},
		{name: "no object", url: "transcripts", wantBucket: "", wantObject: ""},
		{name: "empty", url: "", wantBucket: "", wantObject: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, object := s.GetBucketAndObjectFromURL(tt.url)
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("GetBucketAndObjectFromURL(%q) = %q, %q", tt.url, bucket, object)
			}
		})
	}
}

func TestTranscriptObjectName(t *testing.T) {
	if got := TranscriptObjectName(42); got != "meetings/42/transcript.txt" {
		t.Errorf("TranscriptObjectName(42) = %q", got)
	}
	if got := contentType(TranscriptObjectName(42)); got != "text/plain; charset=utf-8" {
		t.Errorf("contentType() = %q", got)
	}
}
