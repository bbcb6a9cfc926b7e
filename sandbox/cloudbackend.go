package sandbox

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// cloudServiceName is the gRPC service path the cloud sandbox provider
// exposes. Requests and responses are carried as google.protobuf.Struct so
// this client needs no generated stubs for the provider's schema.
const cloudServiceName = "/chatcore.sandbox.v1.SandboxService/"

// CloudBackend drives a cloud sandbox provider (e.g. e2b/Daytona-style)
// over gRPC. Requests are encoded as structpb.Struct rather than
// provider-specific generated messages, since the provider contract is
// out of this module's scope; a production deployment would swap this
// for the provider's real generated client without touching Manager.
type CloudBackend struct {
	conn *grpc.ClientConn
}

// NewCloudBackend wraps an established gRPC connection to the cloud
// sandbox provider.
func NewCloudBackend(conn *grpc.ClientConn) *CloudBackend {
	return &CloudBackend{conn: conn}
}

func (b *CloudBackend) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := b.conn.Invoke(ctx, cloudServiceName+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *CloudBackend) CreateSandbox(ctx context.Context, name string, config Config, envVars map[string]string) (string, error) {
	req := map[string]any{
		"name":  name,
		"image": config.Image,
		"cpu":   float64(config.CPU),
		"memory_gib": float64(config.MemoryGiB),
		"disk_gib":   float64(config.DiskGiB),
	}
	if len(envVars) > 0 {
		env := make(map[string]any, len(envVars))
		for k, v := range envVars {
			env[k] = v
		}
		req["env_vars"] = env
	}
	out, err := b.invoke(ctx, "CreateSandbox", req)
	if err != nil {
		return "", err
	}
	return out.Fields["sandbox_id"].GetStringValue(), nil
}

func (b *CloudBackend) DeleteSandbox(ctx context.Context, sandboxID string) error {
	_, err := b.invoke(ctx, "DeleteSandbox", map[string]any{"sandbox_id": sandboxID})
	return err
}

func (b *CloudBackend) Exec(ctx context.Context, sandboxID, command, cwd string, timeout time.Duration) (ExecResult, error) {
	out, err := b.invoke(ctx, "Exec", map[string]any{
		"sandbox_id":     sandboxID,
		"command":        command,
		"cwd":             cwd,
		"timeout_seconds": timeout.Seconds(),
	})
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		ExitCode: int(out.Fields["exit_code"].GetNumberValue()),
		Stdout:   out.Fields["stdout"].GetStringValue(),
		Stderr:   out.Fields["stderr"].GetStringValue(),
	}, nil
}

func (b *CloudBackend) ReadFile(ctx context.Context, sandboxID, path string) (string, error) {
	out, err := b.invoke(ctx, "ReadFile", map[string]any{"sandbox_id": sandboxID, "path": path})
	if err != nil {
		return "", err
	}
	return out.Fields["content"].GetStringValue(), nil
}

func (b *CloudBackend) ReadFileBytes(ctx context.Context, sandboxID, path string) ([]byte, error) {
	content, err := b.ReadFile(ctx, sandboxID, path)
	return []byte(content), err
}

func (b *CloudBackend) WriteFile(ctx context.Context, sandboxID, path, content string) error {
	_, err := b.invoke(ctx, "WriteFile", map[string]any{"sandbox_id": sandboxID, "path": path, "content": content})
	return err
}

func (b *CloudBackend) WriteFileBytes(ctx context.Context, sandboxID, path string, data []byte) error {
	return b.WriteFile(ctx, sandboxID, path, string(data))
}

func (b *CloudBackend) ListFiles(ctx context.Context, sandboxID, path string) ([]FileInfo, error) {
	out, err := b.invoke(ctx, "ListFiles", map[string]any{"sandbox_id": sandboxID, "path": path})
	if err != nil {
		return nil, err
	}
	entries := out.Fields["entries"].GetListValue().GetValues()
	files := make([]FileInfo, 0, len(entries))
	for _, v := range entries {
		f := v.GetStructValue().GetFields()
		files = append(files, FileInfo{
			Name:  f["name"].GetStringValue(),
			Path:  f["path"].GetStringValue(),
			IsDir: f["is_dir"].GetBoolValue(),
			Size:  int64(f["size"].GetNumberValue()),
		})
	}
	return files, nil
}

func (b *CloudBackend) FindFiles(ctx context.Context, sandboxID, root, pattern string) ([]string, error) {
	out, err := b.invoke(ctx, "FindFiles", map[string]any{"sandbox_id": sandboxID, "root": root, "pattern": pattern})
	if err != nil {
		return nil, err
	}
	values := out.Fields["paths"].GetListValue().GetValues()
	paths := make([]string, len(values))
	for i, v := range values {
		paths[i] = v.GetStringValue()
	}
	return paths, nil
}

func (b *CloudBackend) SearchInFiles(ctx context.Context, sandboxID, root, pattern, include string) ([]SearchMatch, error) {
	out, err := b.invoke(ctx, "SearchInFiles", map[string]any{
		"sandbox_id": sandboxID, "root": root, "pattern": pattern, "include": include,
	})
	if err != nil {
		return nil, err
	}
	entries := out.Fields["matches"].GetListValue().GetValues()
	matches := make([]SearchMatch, 0, len(entries))
	for _, v := range entries {
		f := v.GetStructValue().GetFields()
		matches = append(matches, SearchMatch{
			File:    f["file"].GetStringValue(),
			Line:    int(f["line"].GetNumberValue()),
			Content: f["content"].GetStringValue(),
		})
	}
	return matches, nil
}

func (b *CloudBackend) GetPreviewURL(ctx context.Context, sandboxID string, port int) (PreviewUrl, error) {
	out, err := b.invoke(ctx, "GetPreviewUrl", map[string]any{"sandbox_id": sandboxID, "port": float64(port)})
	if err != nil {
		return PreviewUrl{}, err
	}
	return PreviewUrl{
		URL:   out.Fields["url"].GetStringValue(),
		Token: out.Fields["token"].GetStringValue(),
		Port:  port,
	}, nil
}

func (b *CloudBackend) GetStatus(ctx context.Context, sandboxID string) (State, error) {
	out, err := b.invoke(ctx, "GetStatus", map[string]any{"sandbox_id": sandboxID})
	if err != nil {
		return State{}, err
	}
	return State{
		Status:           Status(out.Fields["status"].GetStringValue()),
		RemainingSeconds: int(out.Fields["remaining_seconds"].GetNumberValue()),
	}, nil
}

func (b *CloudBackend) KeepAlive(ctx context.Context, sandboxID string) error {
	_, err := b.invoke(ctx, "KeepAlive", map[string]any{"sandbox_id": sandboxID})
	return err
}

func (b *CloudBackend) Start(ctx context.Context, sandboxID string) error {
	_, err := b.invoke(ctx, "Start", map[string]any{"sandbox_id": sandboxID})
	return err
}

func (b *CloudBackend) GetInfo(ctx context.Context, sandboxID string) (map[string]any, error) {
	out, err := b.invoke(ctx, "GetInfo", map[string]any{"sandbox_id": sandboxID})
	if err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
