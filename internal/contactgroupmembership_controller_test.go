package controller

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.miloapis.com/email-provider-mailchimp/pkg/mailchimp"
	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

func newContact(name, email string) *notificationmiloapiscomv1alpha1.Contact {
	return &notificationmiloapiscomv1alpha1.Contact{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  "default",
			UID:        types.UID(name + "-uid"),
			Generation: 1,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactSpec{
			Email:      email,
			GivenName:  "Jane",
			FamilyName: "Doe",
		},
	}
}

func newContactGroup(name string) *notificationmiloapiscomv1alpha1.ContactGroup {
	return &notificationmiloapiscomv1alpha1.ContactGroup{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "default",
		},
	}
}

func newMembership(name string, contact *notificationmiloapiscomv1alpha1.Contact, group *notificationmiloapiscomv1alpha1.ContactGroup) *notificationmiloapiscomv1alpha1.ContactGroupMembership {
	return &notificationmiloapiscomv1alpha1.ContactGroupMembership{
		ObjectMeta: metav1.ObjectMeta{
			Name:       name,
			Namespace:  "default",
			Generation: 1,
		},
		Spec: notificationmiloapiscomv1alpha1.ContactGroupMembershipSpec{
			ContactRef: notificationmiloapiscomv1alpha1.ContactReference{
				Name:      contact.Name,
				Namespace: contact.Namespace,
			},
			ContactGroupRef: notificationmiloapiscomv1alpha1.ContactGroupReference{
				Name:      group.Name,
				Namespace: group.Namespace,
			},
		},
	}
}

var _ = Describe("MailChimpContactGroupMembershipController", func() {
	var (
		ctx        context.Context
		server     *listServer
		k8sClient  client.Client
		reconciler *MailChimpContactGroupMembershipController
		contact    *notificationmiloapiscomv1alpha1.Contact
		group      *notificationmiloapiscomv1alpha1.ContactGroup
		membership *notificationmiloapiscomv1alpha1.ContactGroupMembership
		request    ctrl.Request
	)

	setup := func(email string) {
		contact = newContact("jane", email)
		group = newContactGroup("announcements")
		membership = newMembership("jane-announcements", contact, group)
		request = ctrl.Request{NamespacedName: types.NamespacedName{Name: membership.Name, Namespace: membership.Namespace}}

		k8sClient = newFakeClient(contact, group, membership)
		reconciler = &MailChimpContactGroupMembershipController{
			Client:    k8sClient,
			MailChimp: server.client(),
			ListID:    staticListID("list-1"),
		}
		Expect(reconciler.setupFinalizers()).To(Succeed())
	}

	// reconcile runs twice: once to add the finalizer, once to do the work.
	reconcile := func() {
		for range 2 {
			_, err := reconciler.Reconcile(ctx, request)
			Expect(err).NotTo(HaveOccurred())
		}
	}

	fetch := func() *notificationmiloapiscomv1alpha1.ContactGroupMembership {
		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
		Expect(k8sClient.Get(ctx, request.NamespacedName, cgm)).To(Succeed())
		return cgm
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = newListServer()
		DeferCleanup(server.Close)
	})

	It("subscribes the contact and records its subscriber hash", func() {
		setup("Jane.Doe@example.com")
		reconcile()

		member, ok := server.member("list-1", "jane.doe@example.com")
		Expect(ok).To(BeTrue())
		Expect(member).To(HaveKeyWithValue("status", "subscribed"))
		Expect(member).To(HaveKeyWithValue("email_type", "html"))
		Expect(member).To(HaveKeyWithValue("merge_fields", map[string]any{"FNAME": "Jane", "LNAME": "Doe"}))

		cgm := fetch()
		Expect(cgm.Finalizers).To(ContainElement(mailChimpContactGroupMembershipFinalizerKey))
		cond := meta.FindStatusCondition(cgm.Status.Conditions, MailChimpMemberReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(cond.Reason).To(Equal(MailChimpMemberCreatedReason))
		Expect(cgm.Status.Providers).To(ConsistOf(notificationmiloapiscomv1alpha1.ContactProviderStatus{
			Name: mailChimpProviderName,
			ID:   mailchimp.SubscriberHash("jane.doe@example.com"),
		}))
	})

	It("does not subscribe again once the member is ready", func() {
		setup("jane@example.com")
		reconcile()
		_, err := reconciler.Reconcile(ctx, request)
		Expect(err).NotTo(HaveOccurred())

		Expect(server.recorded()).To(HaveLen(1))
	})

	It("resubscribes an address that is already on the list", func() {
		server.addMember("list-1", "jane@example.com", map[string]any{"status": "unsubscribed"})
		setup("jane@example.com")
		reconcile()

		requests := server.recorded()
		Expect(requests).To(HaveLen(2))
		Expect(requests[0].Method).To(Equal("POST"))
		Expect(requests[1].Method).To(Equal("PATCH"))
		Expect(requests[1].Body).To(HaveKeyWithValue("status", "subscribed"))

		member, _ := server.member("list-1", "jane@example.com")
		Expect(member).To(HaveKeyWithValue("status", "subscribed"))

		cond := meta.FindStatusCondition(fetch().Status.Conditions, MailChimpMemberReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
	})

	It("marks contacts with an invalid address without calling MailChimp", func() {
		setup("not-an-email")
		reconcile()

		Expect(server.recorded()).To(BeEmpty())
		cond := meta.FindStatusCondition(fetch().Status.Conditions, MailChimpMemberReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(MailChimpMemberInvalidReason))
	})

	It("removes the list member when the membership is deleted", func() {
		setup("jane@example.com")
		reconcile()

		Expect(k8sClient.Delete(ctx, fetch())).To(Succeed())
		_, err := reconciler.Reconcile(ctx, request)
		Expect(err).NotTo(HaveOccurred())

		_, ok := server.member("list-1", "jane@example.com")
		Expect(ok).To(BeFalse())

		err = k8sClient.Get(ctx, request.NamespacedName, &notificationmiloapiscomv1alpha1.ContactGroupMembership{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("finalizes memberships whose member is already gone", func() {
		setup("jane@example.com")
		reconcile()
		server.mu.Lock()
		delete(server.members["list-1"], mailchimp.SubscriberHash("jane@example.com"))
		server.mu.Unlock()

		Expect(k8sClient.Delete(ctx, fetch())).To(Succeed())
		_, err := reconciler.Reconcile(ctx, request)
		Expect(err).NotTo(HaveOccurred())

		err = k8sClient.Get(ctx, request.NamespacedName, &notificationmiloapiscomv1alpha1.ContactGroupMembership{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})
})
