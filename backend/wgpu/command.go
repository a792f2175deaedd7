//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/taskgraph"
)

// commandBuffer records into a HAL command encoder. Native returns the
// encoder while recording so task bodies can encode passes on it.
type commandBuffer struct {
	dev       *Device
	encoder   hal.CommandEncoder
	cmd       hal.CommandBuffer
	recording bool
}

func (cb *commandBuffer) Begin(label string) error {
	if err := cb.dev.checkOpen(); err != nil {
		return err
	}
	if cb.recording {
		return fmt.Errorf("begin %q: already recording", label)
	}
	cb.free()
	if cb.encoder == nil {
		enc, err := cb.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
		if err != nil {
			return fmt.Errorf("create command encoder: %w", err)
		}
		cb.encoder = enc
	}
	if err := cb.encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}
	cb.recording = true
	return nil
}

// InsertBarriers translates layouts and accesses into the usage
// transitions the HAL tracks. Queue family ownership does not exist on a
// single queue, so release and acquire halves become plain transitions.
func (cb *commandBuffer) InsertBarriers(bs []taskgraph.Barrier) error {
	if !cb.recording {
		return fmt.Errorf("insert barriers: not recording")
	}
	var textures []hal.TextureBarrier
	var buffers []hal.BufferBarrier
	for _, b := range bs {
		if b.Image {
			tex, ok := b.Handle.(hal.Texture)
			if !ok {
				return fmt.Errorf("%w: %v has %T", ErrUnsupportedHandle, b.Resource, b.Handle)
			}
			old, next := b.OldLayout.TextureUsage(), b.NewLayout.TextureUsage()
			if next == 0 {
				next = b.DstAccess.TextureUsage()
			}
			textures = append(textures, hal.TextureBarrier{
				Texture: tex,
				Usage:   hal.TextureUsageTransition{OldUsage: old, NewUsage: next},
			})
			continue
		}
		buf, ok := b.Handle.(hal.Buffer)
		if !ok {
			return fmt.Errorf("%w: %v has %T", ErrUnsupportedHandle, b.Resource, b.Handle)
		}
		buffers = append(buffers, hal.BufferBarrier{
			Buffer: buf,
			Usage: hal.BufferUsageTransition{
				OldUsage: b.SrcAccess.BufferUsage(),
				NewUsage: b.DstAccess.BufferUsage(),
			},
		})
	}
	if len(buffers) > 0 {
		cb.encoder.TransitionBuffers(buffers)
	}
	if len(textures) > 0 {
		cb.encoder.TransitionTextures(textures)
	}
	return nil
}

func (cb *commandBuffer) End() error {
	if !cb.recording {
		return fmt.Errorf("end: not recording")
	}
	cmd, err := cb.encoder.EndEncoding()
	cb.recording = false
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	cb.cmd = cmd
	return nil
}

func (cb *commandBuffer) Reset() error {
	if cb.recording {
		cb.encoder.DiscardEncoding()
		cb.recording = false
	}
	cb.free()
	return nil
}

func (cb *commandBuffer) Native() any {
	if cb.recording {
		return cb.encoder
	}
	return cb.cmd
}

// free releases the last finished HAL command buffer.
func (cb *commandBuffer) free() {
	if cb.cmd != nil {
		cb.dev.device.FreeCommandBuffer(cb.cmd)
		cb.cmd = nil
	}
}
