package capture

import (
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// processor moves converted audio from a microphone stream to the pipeline.
// Two implementations exist and one is chosen per Start by probing the
// stream: devices that can call back on their own audio thread get the inline
// processor, everything else gets the port processor.
type processor interface {
	// start begins delivering converted PCM16 blocks to sink.
	start(stream audio.InputStream, sink func(pcm []byte))

	// stop halts delivery and waits until sink is no longer being called.
	stop()

	// name identifies the implementation in logs.
	name() string
}

// newProcessor selects the processor for stream.
func newProcessor(stream audio.InputStream, portSize int) processor {
	if cs, ok := stream.(audio.CallbackStream); ok {
		return &callbackProcessor{stream: cs}
	}
	return &portProcessor{size: portSize}
}

// convert down-mixes, resamples and encodes one block to 16 kHz mono PCM16.
func convert(b audio.Block) []byte {
	mono := audio.DownmixToMono(b.Samples, b.Channels)
	mono = audio.ResampleLinear(mono, b.SampleRate, audio.TargetSampleRate)
	return audio.FloatToPCM16(mono)
}

// callbackProcessor converts inline on the device thread.
type callbackProcessor struct {
	stream audio.CallbackStream
}

func (p *callbackProcessor) start(_ audio.InputStream, sink func([]byte)) {
	p.stream.SetCallback(func(b audio.Block) {
		sink(convert(b))
	})
}

func (p *callbackProcessor) stop() { p.stream.SetCallback(nil) }

func (p *callbackProcessor) name() string { return "callback" }

// portProcessor converts on a worker goroutine and posts the results over a
// buffered channel to a delivery goroutine, keeping device timing isolated
// from slow consumers.
type portProcessor struct {
	size int
	done chan struct{}
	wg   sync.WaitGroup
}

func (p *portProcessor) start(stream audio.InputStream, sink func([]byte)) {
	p.done = make(chan struct{})
	port := make(chan []byte, max(p.size, 1))

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer close(port)
		blocks := stream.Blocks()
		for {
			select {
			case <-p.done:
				return
			case b, ok := <-blocks:
				if !ok {
					return
				}
				select {
				case port <- convert(b):
				case <-p.done:
					return
				}
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		for pcm := range port {
			sink(pcm)
		}
	}()
}

func (p *portProcessor) stop() {
	if p.done == nil {
		return
	}
	close(p.done)
	p.wg.Wait()
	p.done = nil
}

func (p *portProcessor) name() string { return "port" }
