package rembg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/chaos-io/removebg/rembg"
	"github.com/chaos-io/removebg/rembg/mocks"
	"github.com/chaos-io/removebg/rembg/rembgtest"
)

func TestRegistry_SameSessionPerModel(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	sess := mocks.NewMockSession(ctrl)
	engine.EXPECT().NewSession(gomock.Any(), rembg.ModelU2Net).Return(sess, nil).Times(1)

	reg := rembg.NewRegistry(engine)
	ctx := context.Background()

	first, err := reg.GetOrCreate(ctx, rembg.ModelU2Net)
	require.NoError(t, err)
	second, err := reg.GetOrCreate(ctx, rembg.ModelU2Net)
	require.NoError(t, err)

	assert.Same(t, sess, first)
	assert.Same(t, first, second)
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_FailureNotCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	sess := mocks.NewMockSession(ctrl)
	boom := errors.New("weights missing")

	gomock.InOrder(
		engine.EXPECT().NewSession(gomock.Any(), rembg.ModelISNetGeneralUse).Return(nil, boom),
		engine.EXPECT().NewSession(gomock.Any(), rembg.ModelISNetGeneralUse).Return(sess, nil),
	)

	reg := rembg.NewRegistry(engine)

	_, err := reg.GetOrCreate(context.Background(), rembg.ModelISNetGeneralUse)
	require.Error(t, err)
	assert.ErrorIs(t, err, rembg.ErrSessionCreation)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, reg.Len())

	got, err := reg.GetOrCreate(context.Background(), rembg.ModelISNetGeneralUse)
	require.NoError(t, err)
	assert.Same(t, sess, got)
}

func TestRegistry_NilSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockEngine(ctrl)
	engine.EXPECT().NewSession(gomock.Any(), rembg.ModelU2NetP).Return(nil, nil)

	_, err := rembg.NewRegistry(engine).GetOrCreate(context.Background(), rembg.ModelU2NetP)
	assert.ErrorIs(t, err, rembg.ErrSessionCreation)
}

func TestRegistry_ConcurrentFirstUse(t *testing.T) {
	engine := &rembgtest.Engine{SessionDelay: 50 * time.Millisecond}
	reg := rembg.NewRegistry(engine)

	const n = 32
	sessions := make([]rembg.Session, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = reg.GetOrCreate(context.Background(), rembg.ModelBiRefNetGeneral)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, engine.Created())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, sessions[0], sessions[i])
	}
}

func TestRegistry_ModelsIndependent(t *testing.T) {
	engine := &rembgtest.Engine{}
	reg := rembg.NewRegistry(engine)

	a, err := reg.GetOrCreate(context.Background(), rembg.ModelU2NetP)
	require.NoError(t, err)
	b, err := reg.GetOrCreate(context.Background(), rembg.ModelU2NetHumanSeg)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, rembg.ModelU2NetP, a.Model())
	assert.Equal(t, rembg.ModelU2NetHumanSeg, b.Model())
	assert.Equal(t, 2, reg.Len())
	assert.NoError(t, reg.Close())
}

func TestRegistry_CallerCancel(t *testing.T) {
	engine := &rembgtest.Engine{SessionDelay: 200 * time.Millisecond}
	reg := rembg.NewRegistry(engine)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := reg.GetOrCreate(ctx, rembg.ModelU2Net)
	require.Error(t, err)
	assert.ErrorIs(t, err, rembg.ErrSessionCreation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 创建不受调用方取消影响，完成后照常缓存
	assert.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 10*time.Millisecond)
	_, err = reg.GetOrCreate(context.Background(), rembg.ModelU2Net)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Created())
}
