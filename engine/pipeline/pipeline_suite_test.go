package pipeline

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestPipelineSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Event Pipeline Suite")
}
