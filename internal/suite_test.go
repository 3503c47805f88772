package controller

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	notificationmiloapiscomv1alpha1 "go.miloapis.com/milo/pkg/apis/notification/v1alpha1"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var scheme = runtime.NewScheme()

func TestControllers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controller Suite")
}

var _ = BeforeSuite(func() {
	logf.SetLogger(zap.New(zap.WriteTo(GinkgoWriter), zap.UseDevMode(true)))
	utilruntime.Must(notificationmiloapiscomv1alpha1.AddToScheme(scheme))
})

// newFakeClient returns a client backed by an in-memory tracker with the
// status subresources and field indexes the controllers rely on.
func newFakeClient(objs ...client.Object) client.Client {
	return fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(
			&notificationmiloapiscomv1alpha1.Contact{},
			&notificationmiloapiscomv1alpha1.ContactGroupMembership{},
		).
		WithIndex(&notificationmiloapiscomv1alpha1.ContactGroupMembership{}, membershipContactIndexKey, indexMembershipByContact).
		Build()
}

// staticListID resolves every contact group to the same MailChimp list.
func staticListID(listID string) ListIDResolver {
	return func(*notificationmiloapiscomv1alpha1.ContactGroup) (string, error) {
		return listID, nil
	}
}
