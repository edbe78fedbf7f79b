package vhost

func started(q *Queue) bool { return q.started }

func startable(q *Queue) bool { return q.kicked && !q.started }

// stopAllQueues stops every started queue in index order, one backend
// call at a time. A stop that fails is issued again for the same queue.
// Afterwards destruction continues if the device is being removed, or
// the in-flight message resumes.
func (d *Device) stopAllQueues() {
	stopper, ok := d.backend.(QueueStopper)

	for q := d.queues.next(0, started); q != nil; q = d.queues.next(0, started) {
		if !ok {
			q.started = false

			continue
		}

		d.beginOp(func(err error) {
			if err != nil {
				d.stats.StopRetries++
				d.log.Warn().Err(err).Uint16("queue", q.Index).Msg("queue stop failed, retrying")
			} else {
				q.started = false
			}

			d.stopAllQueues()
		})
		stopper.QueueStop(d, q)

		return
	}

	if d.removed {
		d.destroy()

		return
	}

	d.resume()
}

// stopQueue stops a single started queue before the in-flight message is
// applied to it.
func (d *Device) stopQueue(q *Queue) {
	stopper, ok := d.backend.(QueueStopper)
	if !ok {
		q.started = false
		d.resume()

		return
	}

	d.beginOp(func(err error) {
		if err != nil {
			d.stats.StopRetries++
			d.log.Warn().Err(err).Uint16("queue", q.Index).Msg("queue stop failed, retrying")
			d.stopQueue(q)

			return
		}

		q.started = false
		d.resume()
	})
	stopper.QueueStop(d, q)
}

// allocStopQueue makes sure the queue at idx exists and is stopped, then
// resumes the in-flight message.
func (d *Device) allocStopQueue(idx uint32) error {
	q, err := d.queues.ensure(idx)
	if err != nil {
		return err
	}

	if !q.started {
		d.resume()

		return nil
	}

	d.stopQueue(q)

	return nil
}

// startQueues starts every eligible queue from index from onwards, one
// backend call at a time, then resumes the in-flight message. Removal
// cancels the remaining starts.
func (d *Device) startQueues(from uint32) {
	starter, ok := d.backend.(QueueStarter)

	for q := d.queues.next(from, startable); q != nil; q = d.queues.next(uint32(q.Index)+1, startable) {
		if d.removed {
			return
		}

		if !ok {
			q.started = true

			continue
		}

		d.beginOp(func(err error) {
			if err != nil {
				d.stats.StartFailures++
				d.log.Error().Err(err).Uint16("queue", q.Index).Msg("queue start failed")
			} else {
				q.started = true
			}

			if d.removed {
				return
			}

			d.startQueues(uint32(q.Index) + 1)
		})
		starter.QueueStart(d, q)

		return
	}

	if d.removed {
		return
	}

	d.resume()
}

// Destroy removes the device. Started queues are stopped, the backend
// destroys its state and done runs once everything is released. When a
// backend operation is outstanding the teardown waits for it. Every
// caller's done runs, later callers join the teardown in progress.
func (d *Device) Destroy(done func()) {
	if d.removed {
		if d.teardown == teardownDone {
			if done != nil {
				done()
			}

			return
		}

		d.log.Debug().Msg("device already being removed")
		d.onRemoved = append(d.onRemoved, done)

		return
	}

	d.removed = true
	d.onRemoved = append(d.onRemoved, done)

	if d.opPending > 0 {
		d.teardown = teardownDeferred

		return
	}

	d.teardown = teardownStopping
	d.schedule(d.stopAllQueues)
}

func (d *Device) destroy() {
	if d.teardown >= teardownDestroying {
		return
	}

	d.teardown = teardownDestroying
	d.destroyBackend()
}

func (d *Device) destroyBackend() {
	destroyer, ok := d.backend.(DeviceDestroyer)
	if !ok {
		d.release()

		return
	}

	d.beginOp(func(err error) {
		if err != nil {
			d.stats.DestroyRetries++
			d.log.Warn().Err(err).Msg("device destroy failed, retrying")
			d.destroyBackend()

			return
		}

		d.release()
	})
	destroyer.DeviceDestroy(d)
}

func (d *Device) release() {
	d.teardown = teardownDone

	d.queues.each(func(q *Queue) { q.release() })
	closeFD(d.slaveFD)
	d.slaveFD = -1

	d.msg = nil

	d.log.Debug().Msg("device released")

	waiters := d.onRemoved
	d.onRemoved = nil

	for _, done := range waiters {
		if done != nil {
			done()
		}
	}
}
