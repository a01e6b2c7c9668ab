package glthread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-osbridge/internal/logging"
)

func TestView_setRendererOnce(t *testing.T) {
	egl := &fakeEGL{}
	v := NewView(WithEGL(egl), WithLogger(logging.Discard()), WithRenderMode(RenderWhenDirty))
	t.Cleanup(func() { _ = v.Close() })

	// dropped, there is no thread yet
	v.SurfaceCreated()
	v.OnPause()
	assert.Nil(t, v.Thread())
	assert.ErrorIs(t, v.QueueEvent(func() {}), ErrNoRenderer)

	r := &fakeRenderer{egl: egl}
	require.NoError(t, v.SetRenderer(r))
	assert.Panics(t, func() { _ = v.SetRenderer(r) })
	assert.Panics(t, func() { _ = NewView().SetRenderer(nil) })

	v.SurfaceCreated()
	v.SurfaceChanged(320, 240)
	waitFrames(t, r, 1)
	assert.Equal(t, [2]int{320, 240}, r.lastSize())

	v.SuspendPaint()
	waitState(t, v.Thread(), StateSuspended)
	v.RestartPaint()
	v.SetRenderMode(RenderContinuously)
	waitFrames(t, r, 5)

	v.OnPause()
	assert.Equal(t, StatePaused, v.Thread().State())
	v.OnResume()
	v.RequestRender()
	v.SurfaceDestroyed()
	waitState(t, v.Thread(), StateWaitingForSurface)

	done := make(chan struct{})
	require.NoError(t, v.QueueEvent(func() { close(done) }))
	<-done

	require.NoError(t, v.Close())
	assert.True(t, v.Thread().Exited())
	require.NoError(t, v.Close())
	assert.Zero(t, r.violations.Load())
}

func TestView_withRendererStarts(t *testing.T) {
	egl := &fakeEGL{}
	r := &fakeRenderer{egl: egl}
	v := NewView(WithRenderer(r), WithEGL(egl), WithLogger(logging.Discard()))
	require.NotNil(t, v.Thread())
	v.SurfaceCreated()
	v.SurfaceChanged(1, 1)
	waitFrames(t, r, 1)
	require.NoError(t, v.Close())
	<-v.Thread().Done()

	closed := NewView(WithLogger(logging.Discard()))
	require.NoError(t, closed.Close())
	assert.ErrorIs(t, closed.SetRenderer(r), ErrExited)
}
