package integration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/leadgrid/harvester/pkg/db"
	"github.com/leadgrid/harvester/pkg/db/models"
	"github.com/leadgrid/harvester/pkg/store"
)

var _ = Describe("Task Coordination", func() {
	var (
		testDB   *gorm.DB
		logger   *logrus.Logger
		ctx      context.Context
		tasks    *store.TaskStore
		queue    *store.VideoQueue
		comments *store.CommentStore
		workers  *store.WorkerStore
		keyword  string
	)

	BeforeEach(func() {
		// Skip if not running integration tests
		if os.Getenv("INTEGRATION_TESTS") != "true" {
			Skip("Skipping integration test")
		}

		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		ctx = context.Background()

		var err error
		testDB, err = db.SetupDatabase(logger)
		Expect(err).NotTo(HaveOccurred())

		tasks = store.NewTaskStore(testDB, logger)
		queue = store.NewVideoQueue(testDB, logger)
		comments = store.NewCommentStore(testDB, logger)
		workers = store.NewWorkerStore(testDB, logger)

		// Unique keyword per spec run keeps tests independent of leftover
		// rows in the shared database.
		keyword = fmt.Sprintf("cat-%d", time.Now().UnixNano())
	})

	Context("task creation", func() {
		It("is idempotent while a pending task exists", func() {
			first, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			second, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("creates a fresh task once the previous one left pending", func() {
			first, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			Expect(tasks.Transition(ctx, first, models.TaskStatusRunning)).To(Succeed())
			Expect(tasks.Transition(ctx, first, models.TaskStatusCompleted)).To(Succeed())

			second, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(second).NotTo(Equal(first))
		})
	})

	Context("video claims", func() {
		var taskID int64

		BeforeEach(func() {
			var err error
			taskID, err = tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks.Transition(ctx, taskID, models.TaskStatusRunning)).To(Succeed())

			urls := make([]string, 5)
			for i := range urls {
				urls[i] = fmt.Sprintf("https://example.com/%s/video-%d", keyword, i)
			}
			inserted, err := queue.EnqueueDiscovered(ctx, taskID, urls)
			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(Equal(int64(5)))
		})

		It("reports the true insert count for duplicate URLs", func() {
			inserted, err := queue.EnqueueDiscovered(ctx, taskID, []string{
				fmt.Sprintf("https://example.com/%s/video-0", keyword),
				fmt.Sprintf("https://example.com/%s/video-9", keyword),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(inserted).To(Equal(int64(1)))
		})

		It("hands each video to exactly one concurrent claimant", func() {
			const claimants = 8
			var wg sync.WaitGroup
			claimed := make(chan int64, claimants*5)

			for i := 0; i < claimants; i++ {
				workerIP := fmt.Sprintf("10.0.0.%d", i+1)
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					for {
						claim, err := queue.ClaimNext(ctx, taskID, workerIP, nil)
						Expect(err).NotTo(HaveOccurred())
						if claim == nil {
							return
						}
						claimed <- claim.ID
					}
				}()
			}
			wg.Wait()
			close(claimed)

			seen := make(map[int64]int)
			for id := range claimed {
				seen[id]++
			}
			Expect(seen).To(HaveLen(5))
			for _, n := range seen {
				Expect(n).To(Equal(1))
			}
		})

		It("resumes a crashed worker's own claim before fresh videos", func() {
			// Worker A claims video #1, worker B claims video #2.
			claimA, err := queue.ClaimNext(ctx, taskID, "10.0.0.1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimA.Resumed).To(BeFalse())

			claimB, err := queue.ClaimNext(ctx, taskID, "10.0.0.2", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimB.ID).NotTo(Equal(claimA.ID))

			// A restarts with the same IP: it gets its own in-flight video
			// back, flagged as resumed, not a new one.
			resumed, err := queue.ClaimNext(ctx, taskID, "10.0.0.1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.ID).To(Equal(claimA.ID))
			Expect(resumed.Resumed).To(BeTrue())
		})

		It("skips excluded in-flight videos when siblings share an IP", func() {
			claimA, err := queue.ClaimNext(ctx, taskID, "10.0.0.1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(claimA.Resumed).To(BeFalse())

			// A sibling goroutine on the same worker excludes the video it
			// is actively ingesting and must get a fresh one, never a
			// resume of the live claim.
			claimB, err := queue.ClaimNext(ctx, taskID, "10.0.0.1", []int64{claimA.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(claimB).NotTo(BeNil())
			Expect(claimB.ID).NotTo(Equal(claimA.ID))
			Expect(claimB.Resumed).To(BeFalse())
		})

		It("releases stale claims only for silent workers", func() {
			Expect(workers.UpsertHeartbeat(ctx, "10.0.0.1", "live-worker", models.WorkerStatusActive)).To(Succeed())

			_, err := queue.ClaimNext(ctx, taskID, "10.0.0.1", nil)
			Expect(err).NotTo(HaveOccurred())

			// The live worker's heartbeat is fresh, so nothing is released
			// even with a zero age threshold.
			released, err := queue.ReleaseStaleProcessing(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(released).To(BeZero())
		})

		It("never decreases the processed-video counter", func() {
			Expect(queue.IncrementTaskProgress(ctx, taskID, 1)).To(Succeed())
			Expect(queue.IncrementTaskProgress(ctx, taskID, 2)).To(Succeed())

			task, err := tasks.GetTask(ctx, taskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(task.TotalVideosProcessed).To(Equal(3))
		})
	})

	Context("comment storage", func() {
		It("stores each (user, content) pair exactly once across videos", func() {
			taskID, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			_, err = queue.EnqueueDiscovered(ctx, taskID, []string{
				fmt.Sprintf("https://example.com/%s/v1", keyword),
				fmt.Sprintf("https://example.com/%s/v2", keyword),
			})
			Expect(err).NotTo(HaveOccurred())

			// Claim under distinct worker IPs so each claim is fresh.
			videoA, err := queue.ClaimNext(ctx, taskID, "10.9.0.1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(videoA).NotTo(BeNil())
			videoB, err := queue.ClaimNext(ctx, taskID, "10.9.0.2", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(videoB).NotTo(BeNil())

			batch := func(videoID int64) []models.Comment {
				out := make([]models.Comment, 0, 50)
				for i := 0; i < 50; i++ {
					out = append(out, models.Comment{
						VideoID:      videoID,
						UserID:       fmt.Sprintf("%s-user-%d", keyword, i),
						ReplyContent: fmt.Sprintf("comment %d about %s", i, keyword),
						Keyword:      keyword,
						CollectedAt:  time.Now(),
					})
				}
				return out
			}

			// First video stores 3 of the pairs.
			insertedUsers, err := comments.InsertBatch(ctx, batch(videoA.ID)[:3])
			Expect(err).NotTo(HaveOccurred())
			Expect(insertedUsers).To(HaveLen(3))

			// A later video flushes all 50; the 3 known pairs are absorbed
			// and only the 47 users whose rows landed are reported.
			insertedUsers, err = comments.InsertBatch(ctx, batch(videoB.ID))
			Expect(err).NotTo(HaveOccurred())
			Expect(insertedUsers).To(HaveLen(47))
			Expect(insertedUsers).NotTo(ContainElement(fmt.Sprintf("%s-user-0", keyword)))

			known, err := comments.KnownUserIDs(ctx, keyword)
			Expect(err).NotTo(HaveOccurred())
			Expect(known).To(HaveLen(50))
		})
	})

	Context("task state machine", func() {
		It("rejects transitions out of terminal states", func() {
			taskID, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			Expect(tasks.Transition(ctx, taskID, models.TaskStatusRunning)).To(Succeed())
			Expect(tasks.Transition(ctx, taskID, models.TaskStatusCompleted)).To(Succeed())

			err = tasks.Transition(ctx, taskID, models.TaskStatusRunning)
			Expect(err).To(MatchError(store.ErrInvalidTransition))
		})

		It("pauses and resumes without losing the running lifecycle", func() {
			taskID, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			Expect(tasks.Transition(ctx, taskID, models.TaskStatusRunning)).To(Succeed())
			Expect(tasks.Transition(ctx, taskID, models.TaskStatusPaused)).To(Succeed())
			Expect(tasks.Transition(ctx, taskID, models.TaskStatusRunning)).To(Succeed())

			status, err := tasks.GetStatus(ctx, taskID)
			Expect(err).NotTo(HaveOccurred())
			Expect(status).To(Equal(models.TaskStatusRunning))
		})

		It("cascades task deletion to videos, comments and logs", func() {
			taskID, err := tasks.CreateOrGetPendingTask(ctx, keyword, 5, 100)
			Expect(err).NotTo(HaveOccurred())

			_, err = queue.EnqueueDiscovered(ctx, taskID, []string{
				fmt.Sprintf("https://example.com/%s/only", keyword),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(tasks.AppendLog(ctx, taskID, "info", "created for cascade check")).To(Succeed())

			video, err := queue.ClaimNext(ctx, taskID, "10.9.0.1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(video).NotTo(BeNil())

			insertedUsers, err := comments.InsertBatch(ctx, []models.Comment{{
				VideoID:      video.ID,
				UserID:       fmt.Sprintf("%s-cascade-user", keyword),
				ReplyContent: fmt.Sprintf("cascade comment about %s", keyword),
				Keyword:      keyword,
				CollectedAt:  time.Now(),
			}})
			Expect(err).NotTo(HaveOccurred())
			Expect(insertedUsers).To(HaveLen(1))

			Expect(tasks.DeleteTask(ctx, taskID)).To(Succeed())

			_, err = tasks.GetTask(ctx, taskID)
			Expect(err).To(MatchError(store.ErrTaskNotFound))

			pending, err := queue.CountByStatus(ctx, taskID, models.VideoStatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeZero())

			remaining, err := comments.CountByKeyword(ctx, keyword)
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(BeZero())
		})
	})
})
