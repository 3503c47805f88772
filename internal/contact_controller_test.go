package controller

import (
	"context"
	"net/http"

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

var _ = Describe("MailChimpContactController", func() {
	var (
		ctx        context.Context
		server     *listServer
		k8sClient  client.Client
		reconciler *MailChimpContactController
	)

	setup := func(objs ...client.Object) {
		k8sClient = newFakeClient(objs...)
		reconciler = &MailChimpContactController{
			Client:                          k8sClient,
			MailChimp:                       server.client(),
			ListID:                          staticListID("list-1"),
			NewsLetterContactGroupName:      "newsletter",
			NewsLetterContactGroupNamespace: "milo-system",
		}
		Expect(reconciler.setupFinalizers()).To(Succeed())
	}

	requestFor := func(c *notificationmiloapiscomv1alpha1.Contact) ctrl.Request {
		return ctrl.Request{NamespacedName: types.NamespacedName{Name: c.Name, Namespace: c.Namespace}}
	}

	// reconcile runs twice: once to add the finalizer, once to do the work.
	reconcile := func(c *notificationmiloapiscomv1alpha1.Contact) {
		for range 2 {
			_, err := reconciler.Reconcile(ctx, requestFor(c))
			Expect(err).NotTo(HaveOccurred())
		}
	}

	fetch := func(c *notificationmiloapiscomv1alpha1.Contact) *notificationmiloapiscomv1alpha1.Contact {
		out := &notificationmiloapiscomv1alpha1.Contact{}
		Expect(k8sClient.Get(ctx, requestFor(c).NamespacedName, out)).To(Succeed())
		return out
	}

	// syncedContact is a contact whose spec changed after it was last synced.
	syncedContact := func(email string) *notificationmiloapiscomv1alpha1.Contact {
		c := newContact("jane", email)
		c.Generation = 2
		c.Status.Conditions = []metav1.Condition{{
			Type:               MailChimpContactReadyCondition,
			Status:             metav1.ConditionTrue,
			Reason:             MailChimpContactSyncedReason,
			LastTransitionTime: metav1.Now(),
			ObservedGeneration: 1,
		}}
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = newListServer()
		DeferCleanup(server.Close)
	})

	It("registers a new contact without calling MailChimp", func() {
		contact := newContact("jane", "Jane@Example.com")
		setup(contact)
		reconcile(contact)

		Expect(server.recorded()).To(BeEmpty())

		got := fetch(contact)
		Expect(got.Finalizers).To(ContainElement(mailChimpContactFinalizerKey))
		cond := meta.FindStatusCondition(got.Status.Conditions, MailChimpContactReadyCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(got.Status.Providers).To(ConsistOf(notificationmiloapiscomv1alpha1.ContactProviderStatus{
			Name: mailChimpProviderName,
			ID:   mailchimp.SubscriberHash("jane@example.com"),
		}))
	})

	It("pushes changed names to every list the contact belongs to", func() {
		contact := syncedContact("jane@example.com")
		group := newContactGroup("announcements")
		server.addMember("list-1", "jane@example.com", map[string]any{"status": "subscribed"})
		setup(contact, group, newMembership("jane-announcements", contact, group))
		reconcile(contact)

		requests := server.recorded()
		Expect(requests).To(HaveLen(1))
		Expect(requests[0].Method).To(Equal("PATCH"))
		Expect(requests[0].Hash).To(Equal(mailchimp.SubscriberHash("jane@example.com")))
		Expect(requests[0].Body).To(HaveKeyWithValue("merge_fields", map[string]any{"FNAME": "Jane", "LNAME": "Doe"}))

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailChimpContactReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(cond.ObservedGeneration).To(Equal(int64(2)))
	})

	It("skips lists the contact has not been subscribed to yet", func() {
		contact := syncedContact("jane@example.com")
		group := newContactGroup("announcements")
		setup(contact, group, newMembership("jane-announcements", contact, group))
		reconcile(contact)

		Expect(server.recorded()).To(HaveLen(1))
		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailChimpContactReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
		Expect(cond.Reason).To(Equal(MailChimpContactSyncedReason))
	})

	It("keeps updating the remaining lists when one list fails", func() {
		contact := syncedContact("jane@example.com")
		broken := newContactGroup("announcements")
		healthy := newContactGroup("releases")
		server.addMember("list-releases", "jane@example.com", map[string]any{"status": "subscribed"})
		server.failList("list-announcements", http.StatusInternalServerError)
		setup(contact, broken, healthy,
			newMembership("jane-announcements", contact, broken),
			newMembership("jane-releases", contact, healthy))
		reconciler.ListID = func(cg *notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
			return "list-" + cg.Name, nil
		}
		Expect(reconciler.setupFinalizers()).To(Succeed())

		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())
		_, err = reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("announcements"))

		member, ok := server.member("list-releases", "jane@example.com")
		Expect(ok).To(BeTrue())
		Expect(member).To(HaveKeyWithValue("merge_fields", map[string]any{"FNAME": "Jane", "LNAME": "Doe"}))

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, MailChimpContactReadyCondition)
		Expect(cond.Status).To(Equal(metav1.ConditionFalse))
		Expect(cond.Reason).To(Equal(MailChimpContactNotSyncedReason))
	})

	It("enrolls newsletter contacts in the newsletter group", func() {
		contact := newContact("newsletter-jane", "jane@example.com")
		setup(contact)
		reconcile(contact)

		cgm := &notificationmiloapiscomv1alpha1.ContactGroupMembership{}
		Expect(k8sClient.Get(ctx, types.NamespacedName{
			Name:      reconciler.generateCgmName(contact),
			Namespace: contact.Namespace,
		}, cgm)).To(Succeed())
		Expect(cgm.Spec.ContactRef.Name).To(Equal(contact.Name))
		Expect(cgm.Spec.ContactGroupRef.Name).To(Equal("newsletter"))
		Expect(cgm.Spec.ContactGroupRef.Namespace).To(Equal("milo-system"))

		cond := meta.FindStatusCondition(fetch(contact).Status.Conditions, NewsLetterAddedCondition)
		Expect(cond).NotTo(BeNil())
		Expect(cond.Status).To(Equal(metav1.ConditionTrue))
	})

	It("removes the contact from its lists when it is deleted", func() {
		contact := newContact("jane", "jane@example.com")
		group := newContactGroup("announcements")
		server.addMember("list-1", "jane@example.com", map[string]any{"status": "subscribed"})
		setup(contact, group, newMembership("jane-announcements", contact, group))
		reconcile(contact)

		Expect(k8sClient.Delete(ctx, fetch(contact))).To(Succeed())
		_, err := reconciler.Reconcile(ctx, requestFor(contact))
		Expect(err).NotTo(HaveOccurred())

		_, ok := server.member("list-1", "jane@example.com")
		Expect(ok).To(BeFalse())
		err = k8sClient.Get(ctx, requestFor(contact).NamespacedName, &notificationmiloapiscomv1alpha1.Contact{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})
})
