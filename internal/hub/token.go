package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/skobkin/gpuavail/internal/fault"
)

// TokenOptions describes where the hub API token comes from.
type TokenOptions struct {
	// Token is used as is when set.
	Token string
	// Secret is "namespace/name" of a Secret holding the token.
	Secret  string
	Key     string
	Timeout time.Duration
}

// ResolveToken returns the hub API token, preferring an explicit token over the Secret.
func ResolveToken(ctx context.Context, kube kubernetes.Interface, opts TokenOptions) (string, error) {
	const op = "resolve hub token"

	if token := strings.TrimSpace(opts.Token); token != "" {
		return token, nil
	}
	if strings.TrimSpace(opts.Secret) == "" {
		return "", fault.Auth(op, fmt.Errorf("no token and no secret configured"))
	}
	namespace, name, ok := strings.Cut(opts.Secret, "/")
	if !ok || namespace == "" || name == "" {
		return "", fault.Auth(op, fmt.Errorf("secret reference %q must be namespace/name", opts.Secret))
	}
	if kube == nil {
		return "", fault.Auth(op, fmt.Errorf("secret %s: no kubernetes client", opts.Secret))
	}
	key := opts.Key
	if key == "" {
		key = "token"
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	secret, err := kube.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
	case apierrors.IsNotFound(err), apierrors.IsUnauthorized(err), apierrors.IsForbidden(err):
		return "", fault.Auth(op, err)
	default:
		return "", fault.Upstream(op, err)
	}

	token := strings.TrimSpace(string(secret.Data[key]))
	if token == "" {
		token = strings.TrimSpace(secret.StringData[key])
	}
	if token == "" {
		return "", fault.Auth(op, fmt.Errorf("secret %s has no %q key", opts.Secret, key))
	}
	return token, nil
}
