package e2e_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rmcp-dev/rmcp/citest/testutil"
)

var _ = Describe("MCP over HTTP", func() {
	var client *testutil.TestClient

	BeforeEach(func() {
		client = testServer.Client()
		result, err := client.Initialize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ServerInfo.Name).To(Equal("rmcp"))
	})

	AfterEach(func() {
		if client.SessionID != "" {
			Expect(client.EndSession(ctx)).To(Succeed())
		}
	})

	Describe("echo", func() {
		It("returns its arguments as structured content", func() {
			result, err := client.CallTool(ctx, "echo", map[string]any{"msg": "hi"})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeFalse())
			Expect(result.StructuredContent).To(Equal(map[string]any{"msg": "hi"}))
		})

		It("reports a missing required field as a tool error", func() {
			result, err := client.CallTool(ctx, "echo", map[string]any{})
			Expect(err).NotTo(HaveOccurred(), "validation failures are not protocol errors")
			Expect(result.IsError).To(BeTrue())
			Expect(result.Text()).To(ContainSubstring("msg"))
		})
	})

	Describe("operation approval", func() {
		const script = `df <- data.frame(x = 1:3)
write.csv(df, "out.csv")
result <- list(rows = nrow(df))`

		It("blocks the script until the operation is approved for the session", func() {
			before := executor.count()

			result, err := client.CallTool(ctx, "execute_r_analysis", map[string]any{"script": script})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeTrue())
			Expect(result.Text()).To(ContainSubstring("OPERATION_APPROVAL_NEEDED:file_operations:write.csv"))
			Expect(executor.count()).To(Equal(before))

			result, err = client.CallTool(ctx, "approve_operation", map[string]any{
				"category":  "file_operations",
				"operation": "write.csv",
				"scope":     "session",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeFalse())
			Expect(result.StructuredContent).To(HaveKeyWithValue("approved", true))

			result, err = client.CallTool(ctx, "execute_r_analysis", map[string]any{"script": script})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeFalse(), result.Text())
			Expect(executor.count()).To(Equal(before + 1))
		})

		It("keeps approvals inside the session that granted them", func() {
			result, err := client.CallTool(ctx, "approve_operation", map[string]any{
				"category":  "file_operations",
				"operation": "write.csv",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeFalse())

			other := testServer.Client()
			_, err = other.Initialize(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer other.EndSession(ctx)

			result, err = other.CallTool(ctx, "execute_r_analysis", map[string]any{"script": script})
			Expect(err).NotTo(HaveOccurred())
			Expect(result.IsError).To(BeTrue())
			Expect(result.Text()).To(ContainSubstring("OPERATION_APPROVAL_NEEDED"))
		})
	})

	Describe("notification stream", func() {
		var stream *testutil.SSEClient

		BeforeEach(func() {
			stream = testServer.SSEClient()
			Expect(stream.Connect(ctx, client.SessionID)).To(Succeed())
		})

		AfterEach(func() {
			stream.Close()
		})

		It("delivers notifications from concurrent calls without loss", func() {
			labels := []string{"first", "second"}

			var wg sync.WaitGroup
			for _, label := range labels {
				wg.Add(1)
				go func(label string) {
					defer GinkgoRecover()
					defer wg.Done()
					result, err := client.CallTool(ctx, "execute_r_analysis", map[string]any{
						"script":      "result <- list(ok = TRUE)",
						"description": label,
					})
					Expect(err).NotTo(HaveOccurred())
					Expect(result.IsError).To(BeFalse(), result.Text())
				}(label)
			}
			wg.Wait()

			notes, err := stream.WaitForNotifications("notifications/message", 4, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			order := map[string][]string{}
			for _, note := range notes {
				data, ok := note.Params["data"].(map[string]any)
				Expect(ok).To(BeTrue())
				message, _ := data["message"].(string)
				for _, label := range labels {
					switch message {
					case "Running " + label:
						order[label] = append(order[label], "start")
					case label + " finished":
						order[label] = append(order[label], "end")
					}
				}
			}
			for _, label := range labels {
				Expect(order[label]).To(Equal([]string{"start", "end"}), fmt.Sprintf("notifications for %s", label))
			}
		})

		It("refuses a second stream for the same session", func() {
			second := testServer.SSEClient()
			defer second.Close()
			Expect(second.Connect(ctx, client.SessionID)).To(MatchError(ContainSubstring("409")))
		})
	})
})
