package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
}

func (f *fakeAPI) GetParameter(_ context.Context, _ *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/voicenote/config/audio_base_url"), Value: strPtr("https://cdn.example.com/audio"),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "/voicenote/config/audio_base_url")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/audio", v)
}

func TestGetParameter_HappyPath_SecureString(t *testing.T) {
	typeStr := "SecureString"
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("/voicenote/config/audio_base_url"), Value: strPtr("https://cdn.example.com/audio"), Type: types.ParameterType(typeStr),
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "/voicenote/config/audio_base_url")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/audio", v)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("/voicenote/config/audio_base_url"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "/voicenote/config/audio_base_url")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing value")
}

func TestGetParameter_NotFound(t *testing.T) {
	msg := "parameter /voicenote/config/daily_limit not found"
	api := &fakeAPI{getErr: &types.ParameterNotFound{Message: &msg}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "/voicenote/config/daily_limit")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookup(t *testing.T) {
	msg := "missing"
	cases := []struct {
		name      string
		api       *fakeAPI
		wantValue string
		wantFound bool
		wantErr   bool
	}{
		{name: "present", api: &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("7")}}}, wantValue: "7", wantFound: true},
		{name: "missing", api: &fakeAPI{getErr: &types.ParameterNotFound{Message: &msg}}},
		{name: "failure", api: &fakeAPI{getErr: errors.New("AccessDeniedException")}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.api)
			require.NoError(t, err)
			v, found, err := Lookup(context.Background(), client, "/voicenote/config/daily_limit")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantFound, found)
			require.Equal(t, tc.wantValue, v)
		})
	}
}

func TestGetParameter_ApiError(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("boom")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "/voicenote/config/audio_base_url")
	require.Error(t, err)
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "/voicenote/config/audio_base_url")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	api := &fakeAPI{}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}
