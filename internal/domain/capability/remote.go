package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/exthost/internal/shared/types"
	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/time/rate"
)

// client forwards calls for one extension over a Caller
type client struct {
	extensionID string
	caller      Caller
	limiter     *rate.Limiter
	activity    ActivityRecorder
	metrics     *monitoring.Metrics
}

func (c *client) call(ctx context.Context, api, method string, args ...interface{}) (interface{}, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s.%s rate limited: %w", api, method, err)
		}
	}
	if c.activity != nil {
		c.activity.RecordActivity(c.extensionID)
	}
	if args == nil {
		args = []interface{}{}
	}

	done := c.metrics.TimeAPICall(api, method)
	result, err := c.caller.CallAPI(ctx, c.extensionID, api, method, args)
	done(callStatus(err))
	return result, err
}

func callStatus(err error) string {
	var timeout *types.IPCTimeoutError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &timeout):
		return "timeout"
	default:
		return "error"
	}
}

type remoteUI struct{ *client }

func (u remoteUI) show(ctx context.Context, method, message string, items []string) (string, error) {
	args := []interface{}{message}
	for _, item := range items {
		args = append(args, item)
	}
	out, err := u.call(ctx, NamespaceUI, method, args...)
	if err != nil {
		return "", err
	}
	s, _ := out.(string)
	return s, nil
}

func (u remoteUI) ShowInformationMessage(ctx context.Context, message string, items ...string) (string, error) {
	return u.show(ctx, "showInformationMessage", message, items)
}

func (u remoteUI) ShowWarningMessage(ctx context.Context, message string, items ...string) (string, error) {
	return u.show(ctx, "showWarningMessage", message, items)
}

func (u remoteUI) ShowErrorMessage(ctx context.Context, message string, items ...string) (string, error) {
	return u.show(ctx, "showErrorMessage", message, items)
}

func (u remoteUI) ShowQuickPick(ctx context.Context, items []string, options map[string]interface{}) (string, error) {
	out, err := u.call(ctx, NamespaceUI, "showQuickPick", items, options)
	if err != nil {
		return "", err
	}
	s, _ := out.(string)
	return s, nil
}

func (u remoteUI) SetStatusBarMessage(ctx context.Context, text string, timeoutMs int64) error {
	_, err := u.call(ctx, NamespaceUI, "setStatusBarMessage", text, timeoutMs)
	return err
}

type remoteStorage struct{ *client }

func (s remoteStorage) Get(ctx context.Context, key string) (interface{}, error) {
	return s.call(ctx, NamespaceStorage, "get", key)
}

func (s remoteStorage) Set(ctx context.Context, key string, value interface{}) error {
	_, err := s.call(ctx, NamespaceStorage, "set", key, value)
	return err
}

func (s remoteStorage) Delete(ctx context.Context, key string) error {
	_, err := s.call(ctx, NamespaceStorage, "delete", key)
	return err
}

func (s remoteStorage) Keys(ctx context.Context) ([]string, error) {
	out, err := s.call(ctx, NamespaceStorage, "keys")
	if err != nil {
		return nil, err
	}
	return toStrings(out), nil
}

type remoteCommands struct{ *client }

func (c remoteCommands) RegisterCommand(ctx context.Context, commandID string) error {
	_, err := c.call(ctx, NamespaceCommands, "registerCommand", commandID)
	return err
}

func (c remoteCommands) UnregisterCommand(ctx context.Context, commandID string) error {
	_, err := c.call(ctx, NamespaceCommands, "unregisterCommand", commandID)
	return err
}

func (c remoteCommands) ExecuteCommand(ctx context.Context, commandID string, args ...interface{}) (interface{}, error) {
	return c.call(ctx, NamespaceCommands, "executeCommand", append([]interface{}{commandID}, args...)...)
}

type remoteWorkspace struct{ *client }

func (w remoteWorkspace) GetConfiguration(ctx context.Context, section string) (map[string]interface{}, error) {
	out, err := w.call(ctx, NamespaceWorkspace, "getConfiguration", section)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

func (w remoteWorkspace) GetWorkspaceFolders(ctx context.Context) ([]string, error) {
	out, err := w.call(ctx, NamespaceWorkspace, "getWorkspaceFolders")
	if err != nil {
		return nil, err
	}
	return toStrings(out), nil
}

// FindFiles asks the host for files matching include, then drops anything
// matching the exclude glob locally
func (w remoteWorkspace) FindFiles(ctx context.Context, include, exclude string) ([]string, error) {
	if exclude != "" && !doublestar.ValidatePattern(exclude) {
		return nil, fmt.Errorf("invalid exclude pattern %q", exclude)
	}

	out, err := w.call(ctx, NamespaceWorkspace, "findFiles", include, exclude)
	if err != nil {
		return nil, err
	}

	files := toStrings(out)
	if exclude == "" {
		return files, nil
	}
	kept := files[:0]
	for _, f := range files {
		if match, _ := doublestar.Match(exclude, f); !match {
			kept = append(kept, f)
		}
	}
	return kept, nil
}

type remoteEvents struct{ *client }

func (e remoteEvents) Emit(ctx context.Context, event string, data interface{}) error {
	_, err := e.call(ctx, NamespaceEvents, "emit", event, data)
	return err
}

type remoteTelemetry struct{ *client }

func (t remoteTelemetry) TrackEvent(ctx context.Context, name string, properties map[string]interface{}) error {
	_, err := t.call(ctx, NamespaceTelemetry, "trackEvent", name, properties)
	return err
}

func (t remoteTelemetry) TrackError(ctx context.Context, message string, properties map[string]interface{}) error {
	_, err := t.call(ctx, NamespaceTelemetry, "trackError", message, properties)
	return err
}

type remoteNetwork struct{ *client }

func (n remoteNetwork) Fetch(ctx context.Context, url string, options map[string]interface{}) (interface{}, error) {
	return n.call(ctx, NamespaceNetwork, "fetch", url, options)
}

func toStrings(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
