package controller

import (
	"context"
	"fmt"

	"go.miloapis.com/email-provider-mailchimp/internal/util"
	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/finalizer"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// MailChimpMemberReadyCondition is a condition that is set to true when the contact is a member of the MailChimp list
	MailChimpMemberReadyCondition = "MailChimpMemberReady"
	// MailChimpMemberNotCreatedReason is a reason that is set when the MailChimp list member is not created
	MailChimpMemberNotCreatedReason = "MemberNotCreated"
	// MailChimpMemberCreatedReason is a reason that is set when the MailChimp list member is created
	MailChimpMemberCreatedReason = "MemberCreated"
	// MailChimpMemberInvalidReason is a reason that is set when the contact cannot be subscribed as it is
	MailChimpMemberInvalidReason = "MemberInvalid"
	// MailChimpMemberNotFinalizedReason is a reason that is set when the MailChimp list member could not be removed
	MailChimpMemberNotFinalizedReason = "MemberNotFinalized"
)

const (
	mailChimpContactGroupMembershipFinalizerKey = "notification.miloapis.com/mailchimp-contact-group-membership"
	mailChimpContactGroupMembershipFieldOwner   = "mailchimpcontactgroupmembership-controller"
)

// ListIDResolver returns the MailChimp list backing a ContactGroup.
type ListIDResolver func(*notificationmiloapiscomv1alpha1.ContactGroup) (string, error)

// MailChimpContactGroupMembershipController reconciles a ContactGroupMembership object
type MailChimpContactGroupMembershipController struct {
	Client     client.Client
	Finalizers finalizer.Finalizers
	MailChimp  mailchimp.Lists
	// ListID defaults to reading the MailChimp provider of the ContactGroup.
	ListID ListIDResolver
}

// mailChimpContactGroupMembershipFinalizer is a finalizer for the ContactGroupMembership object
type mailChimpContactGroupMembershipFinalizer struct {
	Client    client.Client
	MailChimp mailchimp.Lists
	ListID    ListIDResolver
}

func (f *mailChimpContactGroupMembershipFinalizer) Finalize(ctx context.Context, obj client.Object) (finalizer.Result, error) {
	log := logf.FromContext(ctx).WithValues("finalizer", "ContactGroupMembershipFinalizer", "trigger", obj.GetName())
	log.Info("Finalizing ContactGroupMembership")

	cgm, ok := obj.(*notificationmiloapiscomv1alpha1.ContactGroupMembership)
	if !ok {
		log.Error(fmt.Errorf("object is not a ContactGroupMembership"), "Failed to finalize ContactGroupMembership")
		return finalizer.Result{}, fmt.Errorf("object is not a ContactGroupMembership")
	}

	var finalizerError error

	contact, contactGroup, err := getReferencedResources(ctx, f.Client, cgm)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("Referenced resources are gone, nothing to remove from MailChimp")
			return finalizer.Result{}, nil
		}
		log.Error(err, "Failed to get referenced resources")
		finalizerError = fmt.Errorf("failed to get referenced resources: %w", err)
	}

	if finalizerError == nil {
		if err := removeListMember(ctx, f.MailChimp, f.ListID, contact, contactGroup); err != nil {
			log.Error(err, "Failed to remove MailChimp list member")
			finalizerError = fmt.Errorf("failed to remove MailChimp list member: %w", err)
		}
	}

	if finalizerError == nil {
		return finalizer.Result{}, nil
	}

	original := cgm.DeepCopy()
	oldStatus := cgm.Status.DeepCopy()

	meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
		Type:               MailChimpMemberReadyCondition,
		Status:             metav1.ConditionFalse,
		Reason:             MailChimpMemberNotFinalizedReason,
		Message:            fmt.Sprintf("Failed to remove contact from MailChimp list: %s", finalizerError.Error()),
		LastTransitionTime: metav1.Now(),
		ObservedGeneration: cgm.GetGeneration(),
	})

	if _, err := util.PatchStatusIfChanged(ctx, util.StatusPatchParams{
		Client:     f.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: mailChimpContactGroupMembershipFieldOwner,
	}); err != nil {
		log.Error(err, "Failed to patch contactgroupmembership status in finalizer")
		finalizerError = fmt.Errorf("failed to patch contactgroupmembership status in finalizer: %w", err)
	}

	return finalizer.Result{}, finalizerError
}

// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships,verbs=get;list;watch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroupmemberships/finalizers,verbs=update
// +kubebuilder:rbac:groups=notification.miloapis.com,resources=contactgroups,verbs=get;list;watch

// Reconcile is the main function that reconciles the ContactGroupMembership object.
func (r *MailChimpContactGroupMembershipController) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("controller", "ContactGroupMembershipController", "trigger", req.NamespacedName)
	log.Info("Starting reconciliation", "namespacedName", req.String(), "name", req.Name, "namespace", req.Namespace)

	cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
	err := r.Client.Get(ctx, req.NamespacedName, cgm)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("ContactGroupMembership not found. Probably deleted.")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("failed to get contactgroupmembership: %w", err)
	}

	finalizeResult, err := r.Finalizers.Finalize(ctx, cgm)
	if err != nil {
		log.Error(err, "Failed to run finalizers for ContactGroupMembership")
		return ctrl.Result{}, fmt.Errorf("failed to run finalizers for ContactGroupMembership: %w", err)
	}
	if finalizeResult.Updated {
		log.Info("finalizer updated the contactgroupmembership object, updating API server")
		if updateErr := r.Client.Update(ctx, cgm); updateErr != nil {
			if errors.IsConflict(updateErr) {
				log.Info("Conflict updating ContactGroupMembership after finalizer update; requeuing")
				return ctrl.Result{Requeue: true}, nil
			}
			log.Error(updateErr, "Failed to update ContactGroupMembership after finalizer update")
			return ctrl.Result{}, updateErr
		}
		return ctrl.Result{}, nil
	}
	if !cgm.GetDeletionTimestamp().IsZero() {
		return ctrl.Result{}, nil
	}

	contact, contactGroup, err := getReferencedResources(ctx, r.Client, cgm)
	if err != nil {
		log.Error(err, "Failed to get referenced resources")
		return ctrl.Result{}, fmt.Errorf("failed to get referenced resources: %w", err)
	}

	var reconcileError error
	oldStatus := cgm.Status.DeepCopy()
	original := cgm.DeepCopy()
	readyCond := meta.FindStatusCondition(cgm.Status.Conditions, MailChimpMemberReadyCondition)

	if readyCond == nil || readyCond.Reason == MailChimpMemberNotCreatedReason {
		log.Info("MailChimp list member creation")

		err = r.addListMember(ctx, contact, contactGroup)
		switch {
		case err == nil:
			log.Info("MailChimp list member created")
			meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
				Type:               MailChimpMemberReadyCondition,
				Status:             metav1.ConditionTrue,
				Reason:             MailChimpMemberCreatedReason,
				Message:            "Contact subscribed to MailChimp list",
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: cgm.GetGeneration(),
			})
			cgm.Status.Providers = []notificationmiloapiscomv1alpha1.ContactProviderStatus{
				{
					Name: mailChimpProviderName,
					ID:   mailchimp.SubscriberHash(contact.Spec.Email),
				},
			}

		case isPermanent(err):
			log.Info("MailChimp list member cannot be created", "error", err.Error())
			meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
				Type:               MailChimpMemberReadyCondition,
				Status:             metav1.ConditionFalse,
				Reason:             MailChimpMemberInvalidReason,
				Message:            fmt.Sprintf("Contact not subscribed to MailChimp list: %s", err.Error()),
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: cgm.GetGeneration(),
			})

		default:
			reconcileError = err
			log.Error(err, "Failed to add contact to MailChimp list")
			meta.SetStatusCondition(&cgm.Status.Conditions, metav1.Condition{
				Type:               MailChimpMemberReadyCondition,
				Status:             metav1.ConditionFalse,
				Reason:             MailChimpMemberNotCreatedReason,
				Message:            fmt.Sprintf("Contact not subscribed to MailChimp list: %s", err.Error()),
				LastTransitionTime: metav1.Now(),
				ObservedGeneration: cgm.GetGeneration(),
			})
		}
	}

	if _, err := util.PatchStatusIfChanged(ctx, util.StatusPatchParams{
		Client:     r.Client,
		Logger:     log,
		Object:     cgm,
		Original:   original,
		OldStatus:  oldStatus,
		NewStatus:  &cgm.Status,
		FieldOwner: mailChimpContactGroupMembershipFieldOwner,
	}); err != nil {
		return ctrl.Result{}, err
	}

	if reconcileError != nil {
		return ctrl.Result{}, reconcileError
	}

	log.Info("Contactgroupmembership reconciled")
	return ctrl.Result{}, nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *MailChimpContactGroupMembershipController) SetupWithManager(mgr ctrl.Manager) error {
	if err := r.setupFinalizers(); err != nil {
		return err
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&notificationmiloapiscomv1alpha1.ContactGroupMembership{}).
		Named("mailchimpcontactgroupmembership").
		Complete(r)
}

func (r *MailChimpContactGroupMembershipController) setupFinalizers() error {
	if r.ListID == nil {
		r.ListID = getMailingListID
	}

	r.Finalizers = finalizer.NewFinalizers()
	if err := r.Finalizers.Register(mailChimpContactGroupMembershipFinalizerKey, &mailChimpContactGroupMembershipFinalizer{
		Client:    r.Client,
		MailChimp: r.MailChimp,
		ListID:    r.ListID,
	}); err != nil {
		return fmt.Errorf("failed to register mailchimp contact group membership finalizer: %w", err)
	}
	return nil
}

// addListMember subscribes the contact to the group's list. An address that
// is already on the list is resubscribed with its current names.
func (r *MailChimpContactGroupMembershipController) addListMember(ctx context.Context, c *notificationmiloapiscomv1alpha1.Contact, cg *notificationmiloapiscomv1alpha1.ContactGroup) error {
	log := logf.FromContext(ctx).WithValues("controller", "MailChimpContactGroupMembershipController", "trigger", c.Name)
	log.Info("Adding contact to MailChimp list")

	listID, err := r.ListID(cg)
	if err != nil {
		log.Error(err, "Failed to get MailChimp list ID")
		return fmt.Errorf("failed to get MailChimp list ID: %w", err)
	}

	api := r.MailChimp.List(listID)
	opts := memberOptions(c)

	created, err := api.CreateMember(ctx, c.Spec.Email, opts)
	if err != nil {
		return fmt.Errorf("failed to add contact to MailChimp list: %w", err)
	}
	if created {
		return nil
	}

	rejection := rejectionError(api)
	if !mailchimp.IsMemberExists(rejection) {
		return fmt.Errorf("failed to add contact to MailChimp list: %w", rejection)
	}

	log.Info("Contact already on MailChimp list, resubscribing")
	updated, err := api.UpdateMember(ctx, c.Spec.Email, opts.With("status", "subscribed"))
	if err != nil {
		return fmt.Errorf("failed to resubscribe contact on MailChimp list: %w", err)
	}
	if !updated {
		return fmt.Errorf("failed to resubscribe contact on MailChimp list: %w", rejectionError(api))
	}

	return nil
}

func getReferencedResources(ctx context.Context, k8sClient client.Client, cgm *notificationmiloapiscomv1alpha1.ContactGroupMembership) (*notificationmiloapiscomv1alpha1.Contact, *notificationmiloapiscomv1alpha1.ContactGroup, error) {
	contact := &notificationmiloapiscomv1alpha1.Contact{}
	err := k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactRef.Name, Namespace: cgm.Spec.ContactRef.Namespace}, contact)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get Contact: %w", err)
	}

	contactGroup := &notificationmiloapiscomv1alpha1.ContactGroup{}
	err = k8sClient.Get(ctx, client.ObjectKey{Name: cgm.Spec.ContactGroupRef.Name, Namespace: cgm.Spec.ContactGroupRef.Namespace}, contactGroup)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get ContactGroup: %w", err)
	}

	return contact, contactGroup, nil
}
