package configuration_test

import (
	"os"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/gpu-mux/common/configuration"
)

var _ = Describe("Configuration Tests", func() {
	It("Populates defaults", func() {
		opts := configuration.NewRuntimeOptions()
		Expect(opts.SchedulingPolicy).To(Equal("pack"))
		Expect(opts.MaxHolWaiting).To(Equal(uint64(50)))
		Expect(opts.WorkConservative).To(BeTrue())
		Expect(opts.MaxStreamsPerGPU).To(Equal(8))
	})

	It("Loads a YAML configuration file over the defaults", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "runtime.yaml")
		Expect(os.WriteFile(path, []byte(
			"scheduler:\n"+
				"  scheduling-policy: FAIR\n"+
				"  max-hol-waiting: 10\n"+
				"num-gpus: 2\n"+
				"max-streams-per-gpu: 16\n"), 0o644)).To(Succeed())

		opts, err := configuration.LoadRuntimeOptions(path)
		Expect(err).To(BeNil())

		// Policy names are normalized to lower case.
		Expect(opts.SchedulingPolicy).To(Equal("fair"))
		Expect(opts.MaxHolWaiting).To(Equal(uint64(10)))
		Expect(opts.NumGPUs).To(Equal(2))
		Expect(opts.MaxStreamsPerGPU).To(Equal(16))
	})

	It("Rejects malformed files and invalid values", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "runtime.yaml")
		Expect(os.WriteFile(path, []byte("num-gpus: [not an int]\n"), 0o644)).To(Succeed())

		_, err := configuration.LoadRuntimeOptions(path)
		Expect(err).ToNot(BeNil())

		Expect(os.WriteFile(path, []byte("num-gpus: -3\n"), 0o644)).To(Succeed())
		_, err = configuration.LoadRuntimeOptions(path)
		Expect(err).ToNot(BeNil())
	})

	It("Invokes the reload callback when the watched file is rewritten", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "runtime.yaml")
		Expect(os.WriteFile(path, []byte("scheduler:\n  scheduling-policy: pack\n"), 0o644)).To(Succeed())

		var mu sync.Mutex
		var reloaded []configuration.SchedulerParameters
		watcher, err := configuration.NewWatcher(path, func(params configuration.SchedulerParameters) {
			mu.Lock()
			defer mu.Unlock()
			reloaded = append(reloaded, params)
		})
		Expect(err).To(BeNil())
		defer func() { _ = watcher.Close() }()

		Expect(os.WriteFile(path, []byte("scheduler:\n  scheduling-policy: rr\n  max-hol-waiting: 3\n"), 0o644)).To(Succeed())

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(reloaded)
		}, "3s").Should(BeNumerically(">=", 1))

		mu.Lock()
		defer mu.Unlock()
		last := reloaded[len(reloaded)-1]
		Expect(last.SchedulingPolicy).To(Equal("rr"))
		Expect(last.MaxHolWaiting).To(Equal(uint64(3)))
	})
})
