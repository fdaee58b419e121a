package pipeline

import (
	"context"
	"sync"

	"post_bot/internal/logger"
)

// Task 工作池任务
type Task struct {
	Name string
	Ctx  context.Context
	Run  func(ctx context.Context)
}

// WorkerPool 草稿处理工作池，单个任务 panic 不影响其他任务
type WorkerPool struct {
	taskQueue chan Task
	wg        sync.WaitGroup
	workers   int
	closeOnce sync.Once
}

// NewWorkerPool 创建工作池
// workers: worker 协程数量
// queueSize: 任务队列大小
func NewWorkerPool(workers int, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	pool := &WorkerPool{
		taskQueue: make(chan Task, queueSize),
		workers:   workers,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	logger.L().Infof("Worker pool started with %d workers, queue size %d", workers, queueSize)
	return pool
}

// worker 工作协程
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	logger.L().Debugf("Worker %d started", id)

	for task := range p.taskQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					pipelineErrors.WithLabelValues("panic").Inc()
					logger.L().Errorf("Worker %d: task %s panic recovered: %v", id, task.Name, r)
				}
			}()

			ctx := task.Ctx
			if ctx == nil {
				ctx = context.Background()
			}
			task.Run(ctx)
		}()
	}

	logger.L().Debugf("Worker %d stopped", id)
}

// Submit 提交任务；队列已满时阻塞直到有空位或 ctx 取消
func (p *WorkerPool) Submit(ctx context.Context, task Task) bool {
	select {
	case p.taskQueue <- task:
		return true
	case <-ctx.Done():
		logger.L().Warnf("Worker pool submit cancelled, task %s dropped", task.Name)
		return false
	}
}

// Shutdown 优雅关闭工作池
// 等待所有正在执行的任务完成
func (p *WorkerPool) Shutdown() {
	p.closeOnce.Do(func() {
		logger.L().Info("Shutting down worker pool...")
		close(p.taskQueue)
		p.wg.Wait()
		logger.L().Info("Worker pool shut down successfully")
	})
}
