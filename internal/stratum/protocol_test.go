package stratum

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"subscribe","params":["miner/1.0"]}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "subscribe",
				Params: []interface{}{"miner/1.0"},
			},
			wantErr: false,
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
			wantErr: false,
		},
		{
			name: "valid notification",
			data: []byte(`{"id":null,"method":"notify","params":["job1","prev","merkle",2,1000,1700000000,true]}`),
			want: &Message{
				ID:     nil,
				Method: "notify",
				Params: []interface{}{"job1", "prev", "merkle", float64(2), float64(1000), float64(1700000000), true},
			},
			wantErr: false,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalMessage(t *testing.T) {
	msg := &Message{
		ID:     1,
		Method: MethodSubscribe,
		Params: []interface{}{"miner/1.0"},
	}

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Errorf("MarshalMessage() error = %v", err)
		return
	}

	// Parse it back to verify
	parsed, err := ParseMessage(data)
	if err != nil {
		t.Errorf("Failed to parse marshaled message: %v", err)
		return
	}

	if parsed.Method != msg.Method {
		t.Errorf("Method mismatch: got %v, want %v", parsed.Method, msg.Method)
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{
			name: "request",
			msg: &Message{
				ID:     1,
				Method: MethodSubscribe,
				Params: []interface{}{},
			},
			isRequest:      true,
			isResponse:     false,
			isNotification: false,
		},
		{
			name: "response",
			msg: &Message{
				ID:     1,
				Result: true,
			},
			isRequest:      false,
			isResponse:     true,
			isNotification: false,
		},
		{
			name: "notification",
			msg: &Message{
				ID:     nil,
				Method: MethodNotify,
				Params: []interface{}{},
			},
			isRequest:      false,
			isResponse:     false,
			isNotification: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
		})
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	tests := []struct {
		name   string
		params []interface{}
		want   *SubscribeRequest
	}{
		{
			name:   "empty parameters",
			params: []interface{}{},
			want:   &SubscribeRequest{},
		},
		{
			name:   "with user agent",
			params: []interface{}{"miner/1.0"},
			want: &SubscribeRequest{
				UserAgent: "miner/1.0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeRequest(tt.params)
			if err != nil {
				t.Errorf("ParseSubscribeRequest() error = %v", err)
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []interface{}
		want    *AuthorizeRequest
		wantErr bool
	}{
		{
			name:   "valid with credentials",
			params: []interface{}{"miner-1", "rig0", "secret"},
			want: &AuthorizeRequest{
				MinerID:     "miner-1",
				Worker:      "rig0",
				Credentials: "secret",
			},
			wantErr: false,
		},
		{
			name:   "valid without credentials",
			params: []interface{}{"miner-1", "rig0"},
			want: &AuthorizeRequest{
				MinerID: "miner-1",
				Worker:  "rig0",
			},
			wantErr: false,
		},
		{
			name:    "insufficient parameters",
			params:  []interface{}{"miner-1"},
			want:    nil,
			wantErr: true,
		},
		{
			name:    "empty miner id",
			params:  []interface{}{"", "rig0"},
			want:    nil,
			wantErr: true,
		},
		{
			name:    "invalid miner id type",
			params:  []interface{}{123, "rig0"},
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAuthorizeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAuthorizeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []interface{}
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid with numeric ntime",
			params: []interface{}{"job1", "1a2b3c4d", float64(1700000000), "00000001"},
			want: &SubmitRequest{
				JobID:       "job1",
				NonceHex:    "1a2b3c4d",
				NTime:       1700000000,
				ExtraNonce2: "00000001",
			},
			wantErr: false,
		},
		{
			name:   "valid with string ntime",
			params: []interface{}{"job1", "1a2b3c4d", "1700000000", "00000001"},
			want: &SubmitRequest{
				JobID:       "job1",
				NonceHex:    "1a2b3c4d",
				NTime:       1700000000,
				ExtraNonce2: "00000001",
			},
			wantErr: false,
		},
		{
			name:    "insufficient parameters",
			params:  []interface{}{"job1", "1a2b3c4d"},
			want:    nil,
			wantErr: true,
		},
		{
			name:    "negative ntime",
			params:  []interface{}{"job1", "1a2b3c4d", float64(-1), "00000001"},
			want:    nil,
			wantErr: true,
		},
		{
			name:    "invalid job id type",
			params:  []interface{}{123, "1a2b3c4d", float64(1700000000), "00000001"},
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}
