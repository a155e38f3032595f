package anchor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doneResponse = `{
  "status": "done",
  "status_description": null,
  "attributes": {
    "location_id": "polytech",
    "location": {
      "gps": {"latitude": 55.75880691200808, "longitude": 37.627997333000565, "altitude": 0, "accuracy": 0, "timestamp": 1689082262.6735532},
      "compass": {"heading": 136.89415298395306, "accuracy": 0, "timestamp": 1689082262.6735532}
    },
    "tracking_pose": {"x": 0.1257943, "y": -0.1797569, "z": -0.66870624, "rx": -8.077699026319722, "ry": -8.64359320786815, "rz": -0.8422943518959906},
    "vps_pose": {"x": -28.489941888465733, "y": 1.588537364464345, "z": -28.235982446041415, "rx": 2.083634477561243, "ry": -84.6941529839531, "rz": -0.2559798540993477}
  }
}`

func testRequest() *Request {
	pose := IdentityPose(FrameLocalTracking)
	return BuildRequest([]byte("blob"), SimulatedIntrinsics, []string{"polytech"}, "session", &pose, time.Unix(1689082262, 0))
}

func TestParseFixResponse(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind FixKind
		wantErr  error
	}{
		{"done", doneResponse, FixMatched, nil},
		{"data envelope", `{"data":` + doneResponse + `}`, FixMatched, nil},
		{"not done", `{"status":"fail","status_description":"no match","attributes":{}}`, FixUnmatched, nil},
		{"done without vps pose", `{"status":"done","attributes":{"location_id":"polytech"}}`, FixUnmatched, nil},
		{"done without attributes", `{"status":"done"}`, FixUnmatched, nil},
		{"empty object", `{}`, FixTransportFailure, ErrMalformedResponse},
		{"null", `null`, FixTransportFailure, ErrMalformedResponse},
		{"empty data envelope", `{"data":{}}`, FixTransportFailure, ErrMalformedResponse},
		{"data envelope not done", `{"data":{"status":"fail","attributes":null}}`, FixUnmatched, nil},
		{"malformed", `{"status":`, FixTransportFailure, ErrMalformedResponse},
		{"not json", `<html>oops</html>`, FixTransportFailure, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ParseFixResponse([]byte(tt.body))
			assert.Equal(t, tt.wantKind, res.Kind, "kind %s", res.Kind)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(res.Err, tt.wantErr), "err %v", res.Err)
			} else {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestParseFixResponseFields(t *testing.T) {
	res := ParseFixResponse([]byte(doneResponse))
	require.Equal(t, FixMatched, res.Kind)

	want := ReferenceFixes["polytech-front"].VpsPose.Pose(FrameGlobalVPS)
	assert.True(t, res.GlobalPose.ApproxEqual(want, epsilon))
	assert.Equal(t, FrameGlobalVPS, res.GlobalPose.Frame)
	assert.Equal(t, "polytech", res.LocationID)

	require.NotNil(t, res.TrackingPose)
	assert.True(t, res.TrackingPose.ApproxEqual(polytechTracking.Pose(FrameLocalTracking), epsilon))

	require.NotNil(t, res.Location)
	assert.InDelta(t, 55.75880691200808, res.Location.Latitude, epsilon)
	assert.InDelta(t, 37.627997333000565, res.Location.Longitude, epsilon)
	assert.InDelta(t, 136.89415298395306, res.Location.Heading, epsilon)
	assert.Equal(t, int64(1689082262), res.Location.Timestamp.Unix())
	assert.InDelta(t, 673553200, res.Location.Timestamp.Nanosecond(), 1000)
}

func TestClientRequestFix(t *testing.T) {
	var gotAccept, gotMethod string
	var got decodedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		got = decodeMultipart(t, r.Header.Get("Content-Type"), body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(doneResponse))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	res := client.RequestFix(context.Background(), testRequest())

	assert.Equal(t, FixMatched, res.Kind)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, []byte("blob"), got.Embedding)
	assert.Equal(t, "session", got.Data.Attributes.SessionID)
	assert.Equal(t, []string{"polytech"}, got.Data.Attributes.LocationIDs)
}

func TestClientRequestFixFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusInternalServerError, `{"status":"error"}`, ErrNetworkFailure},
		{"bad gateway", http.StatusBadGateway, ``, ErrNetworkFailure},
		{"not found", http.StatusNotFound, `not found`, ErrNetworkFailure},
		{"malformed 200", http.StatusOK, `{"status":`, ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			res := NewClient(server.URL).RequestFix(context.Background(), testRequest())
			assert.Equal(t, FixTransportFailure, res.Kind)
			assert.True(t, errors.Is(res.Err, tt.wantErr), "err %v", res.Err)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the client must not retry")
		})
	}
}

func TestClientUnmatchedIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","status_description":"Not localized","attributes":{}}`))
	}))
	defer server.Close()

	res := NewClient(server.URL).RequestFix(context.Background(), testRequest())
	assert.Equal(t, FixUnmatched, res.Kind)
	assert.NoError(t, res.Err)
}

func TestClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	res := NewClient(url, WithTimeout(time.Second)).RequestFix(context.Background(), testRequest())
	assert.Equal(t, FixTransportFailure, res.Kind)
	assert.True(t, errors.Is(res.Err, ErrNetworkFailure))
}

func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	res := NewClient(server.URL, WithTimeout(50*time.Millisecond)).RequestFix(context.Background(), testRequest())
	assert.Equal(t, FixTransportFailure, res.Kind)
	assert.True(t, errors.Is(res.Err, ErrNetworkFailure))
}

func TestClientInvalidInput(t *testing.T) {
	res := NewClient("").RequestFix(context.Background(), testRequest())
	assert.Equal(t, FixTransportFailure, res.Kind)

	res = NewClient("http://127.0.0.1:1").RequestFix(context.Background(), nil)
	assert.Equal(t, FixTransportFailure, res.Kind)
}

func TestClientWithHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(doneResponse))
	}))
	defer server.Close()

	client := NewClient(server.URL, WithHTTPClient(server.Client()))
	assert.Equal(t, server.URL, client.Endpoint())
	assert.Equal(t, FixMatched, client.RequestFix(context.Background(), testRequest()).Kind)
}
