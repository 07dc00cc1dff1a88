package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Labels set on every runner job
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelRunID     = "perfqueue.io/run-id"
	managedBy      = "perfqueue"
)

// KubernetesBackend runs the runner as a batch/v1 Job. The built configuration
// is passed inline in PERFQUEUE_CONFIG.
type KubernetesBackend struct {
	client      kubernetes.Interface
	config      KubernetesConfig
	args        []string
	tokenURL    string
	gracePeriod time.Duration
	logger      *slog.Logger
}

// NewKubernetesClient builds a clientset from a kubeconfig path, falling back
// to the in-cluster configuration when the path is empty.
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var restConfig *rest.Config
	var err error

	if kubeconfig == "" {
		restConfig, err = rest.InClusterConfig()
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes configuration: %w", err)
	}

	return kubernetes.NewForConfig(restConfig)
}

// NewKubernetesBackend creates a kubernetes backend using client
func NewKubernetesBackend(client kubernetes.Interface, config Config, logger *slog.Logger) *KubernetesBackend {
	return &KubernetesBackend{
		client:      client,
		config:      config.Kubernetes,
		args:        config.Args,
		tokenURL:    config.TokenURL,
		gracePeriod: config.StopGracePeriod,
		logger:      logger,
	}
}

// JobName returns the name of the job created for a session key
func JobName(sessionKey string) string {
	return "perfqueue-run-" + sessionKey
}

// Execute implements Executor
func (b *KubernetesBackend) Execute(ctx context.Context, spec Spec) error {
	job := b.buildJob(spec)

	created, err := b.client.BatchV1().Jobs(b.config.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create runner job: %w", err)
	}

	b.logger.Info("runner job created",
		"run_id", spec.RunID,
		"namespace", created.Namespace,
		"job", created.Name)

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.deleteJob(created.Name)
			return ctx.Err()
		case <-ticker.C:
		}

		current, err := b.client.BatchV1().Jobs(b.config.Namespace).Get(ctx, created.Name, metav1.GetOptions{})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("failed to get runner job: %w", err)
		}

		if done, err := jobFinished(current); done {
			return err
		}
	}
}

func (b *KubernetesBackend) buildJob(spec Spec) *batchv1.Job {
	backoffLimit := int32(0)
	labels := map[string]string{
		LabelManagedBy: managedBy,
		LabelRunID:     spec.RunID,
	}

	var grace *int64
	if b.gracePeriod > 0 {
		seconds := int64(b.gracePeriod / time.Second)
		grace = &seconds
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(spec.SessionKey),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					RestartPolicy:                 corev1.RestartPolicyNever,
					ServiceAccountName:            b.config.ServiceAccount,
					TerminationGracePeriodSeconds: grace,
					Containers: []corev1.Container{
						{
							Name:  "runner",
							Image: b.config.Image,
							Args:  b.args,
							Env: []corev1.EnvVar{
								{Name: EnvRunID, Value: spec.RunID},
								{Name: EnvSessionKey, Value: spec.SessionKey},
								{Name: EnvTokenKey, Value: spec.TokenKey},
								{Name: EnvConfig, Value: string(spec.Configuration)},
								{Name: EnvTokenURL, Value: b.tokenURL},
							},
						},
					},
				},
			},
		},
	}
}

// deleteJob removes a cancelled job and its pods. The run context is already
// done so a fresh one bounds the call.
func (b *KubernetesBackend) deleteJob(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	propagation := metav1.DeletePropagationBackground
	err := b.client.BatchV1().Jobs(b.config.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil {
		b.logger.Warn("failed to delete cancelled runner job",
			"job", name,
			"error", err)
		return
	}

	b.logger.Info("cancelled runner job deleted", "job", name)
}

func jobFinished(job *batchv1.Job) (bool, error) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, nil
		case batchv1.JobFailed:
			return true, fmt.Errorf("runner job failed: %s", cond.Message)
		}
	}

	if job.Status.Succeeded > 0 {
		return true, nil
	}
	if job.Status.Failed > 0 {
		return true, fmt.Errorf("runner job failed")
	}

	return false, nil
}
