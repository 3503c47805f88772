package util

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/api/equality"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// StatusPatchParams holds the parameters for patching status.
type StatusPatchParams struct {
	Client     client.Client
	Logger     logr.Logger
	Object     client.Object
	Original   client.Object
	OldStatus  any
	NewStatus  any
	FieldOwner string
}

// PatchStatusIfChanged sends a merge patch of the status subresource when
// NewStatus differs semantically from OldStatus. It reports whether a
// patch was sent.
func PatchStatusIfChanged(ctx context.Context, params StatusPatchParams) (bool, error) {
	if equality.Semantic.DeepEqual(params.OldStatus, params.NewStatus) {
		params.Logger.V(1).Info("Resource status unchanged, skipping update")
		return false, nil
	}

	if err := params.Client.Status().Patch(ctx, params.Object, client.MergeFrom(params.Original), client.FieldOwner(params.FieldOwner)); err != nil {
		params.Logger.Error(err, "Failed to patch resource status", "fieldOwner", params.FieldOwner)
		return false, fmt.Errorf("failed to patch resource status: %w", err)
	}

	return true, nil
}
