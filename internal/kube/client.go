// Package kube builds the Kubernetes API client.
package kube

import (
	"errors"
	"fmt"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Options control how the client configuration is located.
type Options struct {
	// Kubeconfig is an explicit kubeconfig path; empty means in-cluster first, then default loading rules.
	Kubeconfig string
	Timeout    time.Duration
	UserAgent  string
}

// RESTConfig resolves the client configuration.
func RESTConfig(opts Options) (*rest.Config, error) {
	var (
		cfg *rest.Config
		err error
	)

	if opts.Kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
		if err != nil && !errors.Is(err, rest.ErrNotInCluster) {
			return nil, fmt.Errorf("load in-cluster config: %w", err)
		}
	}
	if cfg == nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		if opts.Kubeconfig != "" {
			loadingRules.ExplicitPath = opts.Kubeconfig
		}
		clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{})
		cfg, err = clientConfig.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}

	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout
	}
	if opts.UserAgent != "" {
		cfg.UserAgent = opts.UserAgent
	}
	return cfg, nil
}

// NewClientset resolves the configuration and creates a clientset.
func NewClientset(opts Options) (kubernetes.Interface, error) {
	cfg, err := RESTConfig(opts)
	if err != nil {
		return nil, err
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return client, nil
}
